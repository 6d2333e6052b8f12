package usecase

import (
	"context"
	"testing"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"
	repo "settlement/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (e *testEngine) cycleOrderOf(subID int64) (model.Order, bool) {
	var out model.Order
	var found bool
	e.ledger.read(func(s *ledgerState) {
		for _, o := range s.orders {
			if o.SubscriptionID != nil && *o.SubscriptionID == subID {
				out, found = o, true
			}
		}
	})
	return out, found
}

func (e *testEngine) expectRemoteOrder(id string) {
	e.gw.On("CreateOrder", mock.Anything, mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(gateway.RemoteOrder{ID: id}, nil).Once()
}

func TestSubscriptionBilling_RunDateUsesLocation(t *testing.T) {
	e := newTestEngine(t)
	e.settle.now = func() time.Time { return testNow.Add(14 * time.Hour) }
	//UTC 20:00 は IST で翌日
	assert.Equal(t, date("2026-03-11"), e.billing.RunDate())
}

func TestSubscriptionBilling_ProcessDue_Charged(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.MatchedBy(func(req gateway.RecurringCharge) bool {
		return req.GatewayOrderID == "order_s1" && req.TokenID == "token_1" && req.Amount == 108 && req.Email == "asha@example.com"
	})).Return(gateway.Charge{PaymentID: "pay_r1", OrderID: "order_s1", Status: "captured"}, nil).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingCharged, result)

	o, ok := e.cycleOrderOf(300)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusConfirmed, o.OrderStatus)
	assert.Equal(t, model.PaymentStatusPaid, o.PaymentStatus)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
	e.gw.AssertExpectations(t)

	//同じ日にもう一度回しても何もしない
	result, err = e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingSkipped, result)
	e.gw.AssertNumberOfCalls(t, "ChargeRecurring", 1)
}

func TestSubscriptionBilling_ProcessDue_MissedCyclesBillOnce(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-07"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.Anything).
		Return(gateway.Charge{PaymentID: "pay_r1", Status: "captured"}, nil).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingCharged, result)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
	o, _ := e.cycleOrderOf(300)
	assert.Equal(t, "sub-300-2026-03-07", o.IdempotencyKey)
}

func TestSubscriptionBilling_ProcessDue_Skipped(t *testing.T) {
	t.Run("paused", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedShop()
		e.seedSubscription(model.SubscriptionStatusPaused, date("2026-03-10"))

		result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
		require.NoError(t, err)
		assert.Equal(t, BillingSkipped, result)
		_, ok := e.cycleOrderOf(300)
		assert.False(t, ok)
		e.gw.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not yet due", func(t *testing.T) {
		e := newTestEngine(t)
		e.seedShop()
		e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-12"))

		result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
		require.NoError(t, err)
		assert.Equal(t, BillingSkipped, result)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		e := newTestEngine(t)
		result, err := e.billing.ProcessDue(context.Background(), 999, date("2026-03-10"))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Equal(t, BillingError, result)
	})
}

func TestSubscriptionBilling_ProcessDue_OutOfStock(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.ledger.addProduct(1, "Milk 1L", 60, 1)
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingOutOfStock, result)

	_, ok := e.cycleOrderOf(300)
	assert.False(t, ok)
	assert.Equal(t, int64(1), e.ledger.product(1).Stock)
	//日付は進めない（入荷後の次のスイープで再挑戦）
	assert.Equal(t, date("2026-03-10"), e.ledger.subscription(300).NextDeliveryDate)
	assert.Len(t, e.ledger.tasksOf(model.TaskNotifySMS), 1)
}

func TestSubscriptionBilling_ProcessDue_PaymentDueWithoutToken(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	sub := e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	sub.GatewayTokenID = ""
	e.ledger.addSubscription(sub)
	e.expectRemoteOrder("order_s1")

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingPaymentDue, result)

	var due *model.NotificationPayload
	for _, task := range e.ledger.tasksOf(model.TaskNotifyEmail) {
		p := decodePayload[model.NotificationPayload](t, task)
		if p.Template == TemplateSubscriptionPaymentDue {
			due = &p
		}
	}
	require.NotNil(t, due)
	assert.Equal(t, "order_s1", due.Params["gateway_order_id"])
	e.gw.AssertNotCalled(t, "ChargeRecurring", mock.Anything, mock.Anything)

	//支払はwebhookで届く
	res, err := e.deliver(t, "evt_1", paymentEvent(EventPaymentCaptured, "pay_1", "order_s1", 108, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
}

func TestSubscriptionBilling_ProcessDue_PendingIsNotChargedTwice(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.Anything).
		Return(gateway.Charge{PaymentID: "pay_r1", OrderID: "order_s1", Status: "created"}, nil).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingPending, result)

	o, _ := e.cycleOrderOf(300)
	payments := e.ledger.paymentsOf(o.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentStatusPending, payments[0].Status)

	result, err = e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingPending, result)
	e.gw.AssertNumberOfCalls(t, "ChargeRecurring", 1)

	//結果はwebhookで確定
	res, err := e.deliver(t, "evt_1", paymentEvent(EventPaymentCaptured, "pay_r1", "order_s1", 108, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.PaymentStatusPaid, e.ledger.order(o.ID).PaymentStatus)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
}

func TestSubscriptionBilling_ProcessDue_PendingSettledBySubscriptionCharged(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.Anything).
		Return(gateway.Charge{PaymentID: "pay_r1", OrderID: "order_s1", Status: "created"}, nil).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	require.Equal(t, BillingPending, result)
	o, ok := e.cycleOrderOf(300)
	require.True(t, ok)

	//課金通知だけで確定する
	res, err := e.deliver(t, "evt_1", subscriptionEvent(EventSubscriptionCharged, "sub_abc", "pay_r1", 108))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got := e.ledger.order(o.ID)
	assert.Equal(t, model.OrderStatusConfirmed, got.OrderStatus)
	assert.Equal(t, model.PaymentStatusPaid, got.PaymentStatus)
	payments := e.ledger.paymentsOf(o.ID)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentStatusPaid, payments[0].Status)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)

	//同じ注文が二つできていない
	e.ledger.read(func(s *ledgerState) { assert.Len(t, s.orders, 1) })

	res, err = e.deliver(t, "evt_2", subscriptionEvent(EventSubscriptionCharged, "sub_abc", "pay_r1", 108))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, res.Outcome)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
}

func TestSubscriptionBilling_ProcessDue_ChargeFailed(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.Anything).
		Return(gateway.Charge{PaymentID: "pay_r1", Status: "failed", Reason: "insufficient funds"}, nil).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingPaymentFailed, result)

	o, _ := e.cycleOrderOf(300)
	assert.Equal(t, model.OrderStatusPending, o.OrderStatus)
	assert.Equal(t, model.PaymentStatusFailed, o.PaymentStatus)
	assert.Equal(t, date("2026-03-10"), e.ledger.subscription(300).NextDeliveryDate)
}

func TestSubscriptionBilling_ProcessDue_GatewayRejects(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))
	e.expectRemoteOrder("order_s1")
	e.gw.On("ChargeRecurring", mock.Anything, mock.Anything).
		Return(gateway.Charge{}, apperr.Validation("token", "expired")).Once()

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, BillingError, result)

	assert.Len(t, e.ledger.tasksOf(model.TaskOpsAlert), 1)
	var chargeMail bool
	for _, task := range e.ledger.tasksOf(model.TaskNotifyEmail) {
		if decodePayload[model.NotificationPayload](t, task).Template == TemplateSubscriptionChargeError {
			chargeMail = true
		}
	}
	assert.True(t, chargeMail)
	e.gw.AssertNumberOfCalls(t, "ChargeRecurring", 1)
}

func TestSubscriptionBilling_ProcessDue_AlreadyPaidByWebhook(t *testing.T) {
	e := newTestEngine(t)
	e.seedShop()
	sub := e.seedSubscription(model.SubscriptionStatusActive, date("2026-03-10"))

	//回の注文が支払済みなのに日付が残っている
	var orderID int64
	err := e.ledger.WithinTx(context.Background(), func(r repo.TxRepos) error {
		o, _, err := e.settle.cycleOrder(context.Background(), r, sub, date("2026-03-10"), model.SystemActor)
		orderID = o.ID
		return err
	})
	require.NoError(t, err)
	e.setOrderStatus(orderID, model.OrderStatusConfirmed, model.PaymentStatusPaid)

	result, err := e.billing.ProcessDue(context.Background(), 300, date("2026-03-10"))
	require.NoError(t, err)
	assert.Equal(t, BillingAlreadyPaid, result)
	assert.Equal(t, date("2026-03-11"), e.ledger.subscription(300).NextDeliveryDate)
	e.gw.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionBilling_DueSubscriptionIDs(t *testing.T) {
	e := newTestEngine(t)
	for i, st := range []model.SubscriptionStatus{
		model.SubscriptionStatusActive,
		model.SubscriptionStatusPaused,
		model.SubscriptionStatusActive,
		model.SubscriptionStatusActive,
		model.SubscriptionStatusCancelled,
	} {
		e.ledger.addSubscription(model.Subscription{ID: int64(i + 1), Status: st, NextDeliveryDate: date("2026-03-10")})
	}
	e.ledger.addSubscription(model.Subscription{ID: 6, Status: model.SubscriptionStatusActive, NextDeliveryDate: date("2026-03-11")})

	ids, err := e.billing.DueSubscriptionIDs(context.Background(), date("2026-03-10"), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)

	ids, err = e.billing.DueSubscriptionIDs(context.Background(), date("2026-03-10"), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, ids)
}

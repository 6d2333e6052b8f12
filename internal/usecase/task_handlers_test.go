package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func taskOf(kind model.TaskKind, payload any) model.Task {
	b, _ := json.Marshal(payload)
	return model.Task{ID: 1, Kind: kind, Payload: b, Attempts: 1, MaxAttempts: 5}
}

func TestNotificationTasks_HandleEmail(t *testing.T) {
	f := newFakeLedger()
	f.addUser(7, "asha@example.com", "+919800000007")
	sender := &SenderMock{}
	sender.On("SendEmail", mock.Anything, TemplateOrderPlaced, "asha@example.com", map[string]string{"order_number": "ORD-1"}).
		Return(nil).Once()
	n := NewNotificationTasks(f, sender, "", discardLogger())

	err := n.HandleEmail(context.Background(), taskOf(model.TaskNotifyEmail, model.NotificationPayload{
		UserID: 7, Template: TemplateOrderPlaced, Params: map[string]string{"order_number": "ORD-1"},
	}))
	require.NoError(t, err)
	sender.AssertExpectations(t)

	//宛先が無いのはリトライしても直らない
	err = n.HandleEmail(context.Background(), taskOf(model.TaskNotifyEmail, model.NotificationPayload{UserID: 99, Template: TemplateOrderPlaced}))
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)

	err = n.HandleEmail(context.Background(), model.Task{Kind: model.TaskNotifyEmail, Payload: []byte("{")})
	require.ErrorAs(t, err, &ve)
}

func TestNotificationTasks_HandleSMS(t *testing.T) {
	t.Run("prefers address phone", func(t *testing.T) {
		f := newFakeLedger()
		f.addUser(7, "asha@example.com", "+919800000007")
		f.addAddress(70, 7, "+919811111111")
		sender := &SenderMock{}
		sender.On("SendSMS", mock.Anything, TemplateOrderStatusChanged, "+919811111111", mock.Anything).Return(nil).Once()
		n := NewNotificationTasks(f, sender, "", discardLogger())

		err := n.HandleSMS(context.Background(), taskOf(model.TaskNotifySMS, model.NotificationPayload{
			UserID: 7, AddressID: 70, Template: TemplateOrderStatusChanged,
		}))
		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("falls back to user phone", func(t *testing.T) {
		f := newFakeLedger()
		f.addUser(7, "asha@example.com", "+919800000007")
		f.addAddress(70, 7, "")
		sender := &SenderMock{}
		sender.On("SendSMS", mock.Anything, TemplatePaymentFailed, "+919800000007", mock.Anything).Return(nil).Once()
		n := NewNotificationTasks(f, sender, "", discardLogger())

		err := n.HandleSMS(context.Background(), taskOf(model.TaskNotifySMS, model.NotificationPayload{
			UserID: 7, AddressID: 70, Template: TemplatePaymentFailed,
		}))
		require.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("no phone is skipped", func(t *testing.T) {
		f := newFakeLedger()
		f.addUser(8, "ravi@example.com", "")
		sender := &SenderMock{}
		n := NewNotificationTasks(f, sender, "", discardLogger())

		err := n.HandleSMS(context.Background(), taskOf(model.TaskNotifySMS, model.NotificationPayload{UserID: 8, Template: TemplatePaymentFailed}))
		require.NoError(t, err)
		sender.AssertNotCalled(t, "SendSMS", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("send error is returned for retry", func(t *testing.T) {
		f := newFakeLedger()
		f.addUser(7, "asha@example.com", "+919800000007")
		sender := &SenderMock{}
		sender.On("SendSMS", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(&apperr.GatewayUnavailableError{Op: "sms", StatusCode: 502}).Once()
		n := NewNotificationTasks(f, sender, "", discardLogger())

		err := n.HandleSMS(context.Background(), taskOf(model.TaskNotifySMS, model.NotificationPayload{UserID: 7, Template: TemplatePaymentFailed}))
		assert.True(t, apperr.IsTransient(err))
	})
}

func TestNotificationTasks_HandleOpsAlert(t *testing.T) {
	f := newFakeLedger()
	sender := &SenderMock{}
	sender.On("SendEmail", mock.Anything, "ops_alert", "ops@example.com", mock.MatchedBy(func(p map[string]string) bool {
		return p["subject"] == "webhook payment has no order" && p["payment_id"] == "pay_1"
	})).Return(nil).Once()
	n := NewNotificationTasks(f, sender, "ops@example.com", discardLogger())

	err := n.HandleOpsAlert(context.Background(), taskOf(model.TaskOpsAlert, model.OpsAlertPayload{
		Subject: "webhook payment has no order",
		Detail:  EventPaymentCaptured,
		Fields:  map[string]string{"payment_id": "pay_1"},
	}))
	require.NoError(t, err)
	sender.AssertExpectations(t)

	//宛先未設定ならログだけ
	quiet := NewNotificationTasks(f, &SenderMock{}, "", discardLogger())
	require.NoError(t, quiet.HandleOpsAlert(context.Background(), taskOf(model.TaskOpsAlert, model.OpsAlertPayload{Subject: "x"})))
}

func TestPaymentAdapter_TaskHandlers(t *testing.T) {
	t.Run("refund", func(t *testing.T) {
		e := newTestEngine(t)
		e.gw.On("Refund", mock.Anything, "pay_1", int64(120)).Return(gateway.RefundResult{ID: "rfnd_1"}, nil).Once()

		err := e.payments.HandleRefundTask(context.Background(), taskOf(model.TaskGatewayRefund, model.RefundPayload{
			OrderID: 1, GatewayPaymentID: "pay_1", Amount: 120,
		}))
		require.NoError(t, err)
		e.gw.AssertExpectations(t)

		err = e.payments.HandleRefundTask(context.Background(), taskOf(model.TaskGatewayRefund, model.RefundPayload{OrderID: 1}))
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("refund transient error bubbles up", func(t *testing.T) {
		e := newTestEngine(t)
		e.gw.On("Refund", mock.Anything, "pay_1", int64(120)).
			Return(gateway.RefundResult{}, &apperr.GatewayTimeoutError{Op: "refund"}).Once()

		err := e.payments.HandleRefundTask(context.Background(), taskOf(model.TaskGatewayRefund, model.RefundPayload{GatewayPaymentID: "pay_1", Amount: 120}))
		assert.True(t, apperr.IsTransient(err))
		//リトライはDispatcher側
		e.gw.AssertNumberOfCalls(t, "Refund", 1)
	})

	t.Run("cancel subscription", func(t *testing.T) {
		e := newTestEngine(t)
		e.gw.On("CancelSubscription", mock.Anything, "sub_abc").Return(nil).Once()

		err := e.payments.HandleCancelSubscriptionTask(context.Background(), taskOf(model.TaskGatewayCancelSubscription, model.CancelSubscriptionPayload{
			SubscriptionID: 300, GatewaySubscriptionID: "sub_abc",
		}))
		require.NoError(t, err)
		e.gw.AssertExpectations(t)
	})
}

func TestPaymentAdapter_VerifySignature(t *testing.T) {
	e := newTestEngine(t)
	body := []byte(`{"event":"payment.captured"}`)
	require.NoError(t, e.payments.VerifySignature(body, gateway.SignHex(body, testWebhookSecret)))

	var sve *apperr.SignatureVerificationError
	assert.ErrorAs(t, e.payments.VerifySignature(body, gateway.SignHex([]byte("tampered"), testWebhookSecret)), &sve)
}

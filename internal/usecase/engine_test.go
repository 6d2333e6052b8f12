package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"
	repo "settlement/internal/repository"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

// 2026-03-10 11:30 IST
var testNow = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

var testLoc = time.FixedZone("IST", 5*3600+1800)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time { return testNow }

// =====================
// PaymentGateway のモック
// =====================

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) CreateOrder(ctx context.Context, amount int64, receipt string, notes map[string]string) (gateway.RemoteOrder, error) {
	args := m.Called(ctx, amount, receipt, notes)
	return args.Get(0).(gateway.RemoteOrder), args.Error(1)
}

func (m *GatewayMock) CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.RemoteSubscription, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.RemoteSubscription), args.Error(1)
}

func (m *GatewayMock) ChargeRecurring(ctx context.Context, req gateway.RecurringCharge) (gateway.Charge, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.Charge), args.Error(1)
}

func (m *GatewayMock) Refund(ctx context.Context, paymentID string, amount int64) (gateway.RefundResult, error) {
	args := m.Called(ctx, paymentID, amount)
	return args.Get(0).(gateway.RefundResult), args.Error(1)
}

func (m *GatewayMock) CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	args := m.Called(ctx, gatewaySubscriptionID)
	return args.Error(0)
}

// =====================
// NotificationSender のモック
// =====================

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) SendEmail(ctx context.Context, template, recipient string, params map[string]string) error {
	args := m.Called(ctx, template, recipient, params)
	return args.Error(0)
}

func (m *SenderMock) SendSMS(ctx context.Context, template, recipient string, params map[string]string) error {
	args := m.Called(ctx, template, recipient, params)
	return args.Error(0)
}

// =====================
// 部品一式（時計は固定）
// =====================

type testEngine struct {
	ledger   *fakeLedger
	gw       *GatewayMock
	outbox   Outbox
	stock    *StockReservation
	machine  *OrderStateMachine
	payments *PaymentAdapter
	settle   *Settlement
	orders   *OrderUsecase
	admin    *AdminOrderUsecase
	webhooks *WebhookReconciler
	subs     *SubscriptionUsecase
	billing  *SubscriptionBilling
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := discardLogger()
	ledger := newFakeLedger()
	gw := &GatewayMock{}

	outbox := NewOutbox(5)
	outbox.Now = fixedClock
	stock := NewStockReservation()
	stock.now = fixedClock
	machine := NewOrderStateMachine(stock, outbox, nil, logger)
	machine.now = fixedClock
	payments := NewPaymentAdapter(ledger, gw, fastPolicy(), testWebhookSecret, "INR", logger)
	settle := NewSettlement(machine, outbox, testLoc, logger)
	settle.now = fixedClock
	settle.checkout.now = fixedClock
	orders := NewOrderUsecase(ledger, stock, machine, payments, outbox, logger)
	orders.checkout.now = fixedClock
	webhooks := NewWebhookReconciler(ledger, payments, settle, "razorpay", nil, logger)
	webhooks.now = fixedClock

	return &testEngine{
		ledger:   ledger,
		gw:       gw,
		outbox:   outbox,
		stock:    stock,
		machine:  machine,
		payments: payments,
		settle:   settle,
		orders:   orders,
		admin:    NewAdminOrderUsecase(ledger, machine),
		webhooks: webhooks,
		subs:     NewSubscriptionUsecase(ledger, payments, settle, 10, logger),
		billing:  NewSubscriptionBilling(ledger, payments, settle, logger),
	}
}

// ユーザー1人・住所・商品2つ
func (e *testEngine) seedShop() {
	e.ledger.addUser(7, "asha@example.com", "+919800000007")
	e.ledger.addAddress(70, 7, "+919811111111")
	e.ledger.addUser(8, "ravi@example.com", "")
	e.ledger.addAddress(80, 8, "")
	e.ledger.addProduct(1, "Milk 1L", 60, 10)
	e.ledger.addProduct(2, "Paneer 200g", 90, 3)
}

// PENDINGの注文をトランザクション内で直接作る
func (e *testEngine) placePending(t *testing.T, userID, addressID int64, key string, lines ...orderLine) model.Order {
	t.Helper()
	var o model.Order
	err := e.ledger.WithinTx(context.Background(), func(r repo.TxRepos) error {
		var err error
		o, _, err = e.orders.checkout.create(context.Background(), r, orderDraft{
			UserID:         userID,
			AddressID:      addressID,
			IdempotencyKey: key,
			Lines:          lines,
			Actor:          model.UserActor(userID),
		})
		return err
	})
	require.NoError(t, err)
	return o
}

// 注文をゲートウェイ注文IDに結び付ける
func (e *testEngine) linkGatewayOrder(orderID int64, gid string) {
	e.ledger.read(func(s *ledgerState) {
		o := s.orders[orderID]
		o.GatewayOrderID = &gid
		s.orders[orderID] = o
	})
}

func (e *testEngine) setOrderStatus(orderID int64, st model.OrderStatus, ps model.PaymentStatus) {
	e.ledger.read(func(s *ledgerState) {
		o := s.orders[orderID]
		o.OrderStatus = st
		o.PaymentStatus = ps
		s.orders[orderID] = o
	})
}

func decodePayload[T any](t *testing.T, task model.Task) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(task.Payload, &v))
	return v
}

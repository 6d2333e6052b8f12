package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/metrics"
	repo "settlement/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// webhookのイベント種別
const (
	EventPaymentCaptured       = "payment.captured"
	EventPaymentFailed         = "payment.failed"
	EventSubscriptionCharged   = "subscription.charged"
	EventSubscriptionCancelled = "subscription.cancelled"
)

type WebhookInput struct {
	Gateway   string
	Body      []byte
	Signature string
	// ゲートウェイが付けるイベントID（無ければ本文から作る）
	EventID string
}

type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

// 受信イベント（Razorpay形式）
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Subscription *struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	Method           string `json:"method"`
	ErrorDescription string `json:"error_description"`
}

type subscriptionEntity struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (e *webhookEnvelope) payment() (paymentEntity, bool) {
	if e.Payload.Payment == nil || e.Payload.Payment.Entity.ID == "" {
		return paymentEntity{}, false
	}
	return e.Payload.Payment.Entity, true
}

func (e *webhookEnvelope) subscription() (subscriptionEntity, bool) {
	if e.Payload.Subscription == nil || e.Payload.Subscription.Entity.ID == "" {
		return subscriptionEntity{}, false
	}
	return e.Payload.Subscription.Entity, true
}

// 非同期の決済通知を取り込む。
// 署名検証 → (gateway, event_id) を記録して二重適用を防ぐ → 効果を適用 → APPLIED、を1つのtxで行う。
type WebhookReconciler struct {
	tx          repo.TransactionManager
	payments    *PaymentAdapter
	settle      *Settlement
	gatewayName string
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewWebhookReconciler(tx repo.TransactionManager, payments *PaymentAdapter, settle *Settlement, gatewayName string, m *metrics.Metrics, logger *slog.Logger) *WebhookReconciler {
	return &WebhookReconciler{
		tx:          tx,
		payments:    payments,
		settle:      settle,
		gatewayName: gatewayName,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// 本文からイベントIDを作る（同じ本文なら同じID）
func derivedEventID(body []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, body).String()
}

func (w *WebhookReconciler) Handle(ctx context.Context, in WebhookInput) (WebhookResult, error) {
	gw := strings.ToLower(strings.TrimSpace(in.Gateway))
	if gw != w.gatewayName {
		return WebhookResult{}, apperr.ErrNotFound
	}

	if err := w.payments.VerifySignature(in.Body, in.Signature); err != nil {
		//何も保存しない
		w.metrics.WebhookEvent(gw, "unknown", OutcomeRejected)
		w.logger.Warn("webhook rejected",
			slog.String("gateway", gw),
			slog.String("error", err.Error()),
		)
		return WebhookResult{}, err
	}

	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		eventID = derivedEventID(in.Body)
	}

	var env webhookEnvelope
	if err := json.Unmarshal(in.Body, &env); err != nil || env.Event == "" {
		//署名は正しいが読めない。再送しても同じなので200で返す
		w.metrics.WebhookEvent(gw, "unknown", OutcomeMalformed)
		w.logger.Warn("webhook payload malformed",
			slog.String("gateway", gw),
			slog.String("event_id", eventID),
		)
		return WebhookResult{EventID: eventID, Outcome: OutcomeMalformed}, nil
	}

	res := WebhookResult{EventID: eventID, EventType: env.Event}
	err := w.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ev := &model.WebhookEvent{
			Gateway:   gw,
			EventID:   eventID,
			EventType: env.Event,
			Status:    model.WebhookEventVerified,
			Payload:   datatypes.JSON(in.Body),
		}
		inserted, err := r.WebhookEvents().InsertIfAbsent(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		outcome, err := w.apply(ctx, r, &env)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		return r.WebhookEvents().MarkApplied(ctx, ev.ID, outcome, w.now())
	})
	if err != nil {
		//ロールバック済み。500を返してゲートウェイに再送させる
		w.metrics.WebhookEvent(gw, env.Event, "error")
		w.logger.Error("webhook apply failed",
			slog.String("gateway", gw),
			slog.String("event_id", eventID),
			slog.String("event_type", env.Event),
			slog.String("error", err.Error()),
		)
		return WebhookResult{}, err
	}

	w.metrics.WebhookEvent(gw, env.Event, res.Outcome)
	w.logger.Info("webhook processed",
		slog.String("gateway", gw),
		slog.String("event_id", eventID),
		slog.String("event_type", env.Event),
		slog.String("outcome", res.Outcome),
	)
	return res, nil
}

func (w *WebhookReconciler) apply(ctx context.Context, r repo.TxRepos, env *webhookEnvelope) (string, error) {
	switch env.Event {
	case EventPaymentCaptured:
		return w.paymentCaptured(ctx, r, env)
	case EventPaymentFailed:
		return w.paymentFailed(ctx, r, env)
	case EventSubscriptionCharged:
		return w.subscriptionCharged(ctx, r, env)
	case EventSubscriptionCancelled:
		return w.subscriptionCancelled(ctx, r, env)
	}
	return OutcomeIgnored, nil
}

func toPaymentResult(p paymentEntity, raw []byte) PaymentResult {
	return PaymentResult{
		GatewayPaymentID: p.ID,
		GatewayOrderID:   p.OrderID,
		Amount:           p.Amount,
		Method:           p.Method,
		Reason:           p.ErrorDescription,
		Raw:              raw,
	}
}

func paymentRaw(p paymentEntity) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// 支払の対象注文を探す。既知の支払ならその注文、無ければ gateway_order_id から。
// 支払が既に終端なら found=false, terminal=true。
func (w *WebhookReconciler) resolveOrder(ctx context.Context, r repo.TxRepos, p paymentEntity) (orderID int64, terminal bool, err error) {
	existing, found, err := r.Payments().FindByGatewayPaymentID(ctx, p.ID)
	if err != nil {
		return 0, false, err
	}
	if found && existing.Status.IsTerminal() {
		return 0, true, nil
	}
	if found && existing.OrderID != nil {
		return *existing.OrderID, false, nil
	}
	if p.OrderID == "" {
		return 0, false, nil
	}
	o, err := r.Orders().FindByGatewayOrderIDForUpdate(ctx, p.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return o.ID, false, nil
}

// 注文が見つからない支払は運用に回す
func (w *WebhookReconciler) orphan(ctx context.Context, r repo.TxRepos, event string, p paymentEntity) (string, error) {
	w.logger.Warn("webhook payment has no order",
		slog.String("event_type", event),
		slog.String("payment_id", p.ID),
		slog.String("gateway_order_id", p.OrderID),
	)
	if err := w.settle.outbox.Alert(ctx, r.Tasks(), "webhook payment has no order", event, map[string]string{
		"payment_id":       p.ID,
		"gateway_order_id": p.OrderID,
	}); err != nil {
		return "", err
	}
	return OutcomeOrphan, nil
}

func (w *WebhookReconciler) paymentCaptured(ctx context.Context, r repo.TxRepos, env *webhookEnvelope) (string, error) {
	p, ok := env.payment()
	if !ok {
		return OutcomeMalformed, nil
	}
	orderID, terminal, err := w.resolveOrder(ctx, r, p)
	if err != nil {
		return "", err
	}
	if terminal {
		return OutcomeAlreadyApplied, nil
	}
	if orderID == 0 {
		return w.orphan(ctx, r, env.Event, p)
	}
	return w.settle.ApplyCapture(ctx, r, orderID, toPaymentResult(p, paymentRaw(p)), model.GatewayActor)
}

func (w *WebhookReconciler) paymentFailed(ctx context.Context, r repo.TxRepos, env *webhookEnvelope) (string, error) {
	p, ok := env.payment()
	if !ok {
		return OutcomeMalformed, nil
	}
	orderID, terminal, err := w.resolveOrder(ctx, r, p)
	if err != nil {
		return "", err
	}
	if terminal {
		return OutcomeAlreadyApplied, nil
	}
	if orderID == 0 {
		return w.orphan(ctx, r, env.Event, p)
	}
	return w.settle.ApplyFailure(ctx, r, orderID, toPaymentResult(p, paymentRaw(p)), model.GatewayActor)
}

// 定期便の課金通知。その回の注文を（無ければ）作って支払済みにする。
func (w *WebhookReconciler) subscriptionCharged(ctx context.Context, r repo.TxRepos, env *webhookEnvelope) (string, error) {
	se, ok := env.subscription()
	if !ok {
		return OutcomeMalformed, nil
	}
	p, ok := env.payment()
	if !ok {
		return OutcomeMalformed, nil
	}

	existing, known, err := r.Payments().FindByGatewayPaymentID(ctx, p.ID)
	if err != nil {
		return "", err
	}
	if known && existing.Status.IsTerminal() {
		return OutcomeAlreadyApplied, nil
	}
	if known && existing.OrderID != nil {
		//スイープが結果待ちで残した支払。その回の注文を確定させる
		return w.settle.ApplyCapture(ctx, r, *existing.OrderID, toPaymentResult(p, paymentRaw(p)), model.GatewayActor)
	}

	sub, err := r.Subscriptions().FindByGatewayIDForUpdate(ctx, se.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return w.orphan(ctx, r, env.Event, p)
	}
	if err != nil {
		return "", err
	}

	result := toPaymentResult(p, paymentRaw(p))
	cycle := model.CalendarDate(sub.NextDeliveryDate, time.UTC)

	if sub.Status != model.SubscriptionStatusActive {
		//停止中・解約済みなのに課金された
		return w.refundSubscriptionCharge(ctx, r, sub, result, "subscription not active")
	}

	o, _, err := w.settle.cycleOrder(ctx, r, sub, cycle, model.GatewayActor)
	var ise *apperr.InsufficientStockError
	if errors.As(err, &ise) {
		if err := w.settle.notifyOutOfStock(ctx, r, sub, cycle); err != nil {
			return "", err
		}
		if _, err := w.refundSubscriptionCharge(ctx, r, sub, result, ise.Error()); err != nil {
			return "", err
		}
		return OutcomeOutOfStock, nil
	}
	if err != nil {
		return "", err
	}
	return w.settle.ApplyCapture(ctx, r, o.ID, result, model.GatewayActor)
}

// 定期便の課金を注文に結び付けられないとき、支払を記録して返金する
func (w *WebhookReconciler) refundSubscriptionCharge(ctx context.Context, r repo.TxRepos, sub model.Subscription, p PaymentResult, reason string) (string, error) {
	subID := sub.ID
	changed, err := w.settle.upsertPayment(ctx, r, nil, &subID, p, model.PaymentStatusRefunded, model.GatewayActor)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeAlreadyApplied, nil
	}
	if err := w.settle.outbox.Refund(ctx, r.Tasks(), model.RefundPayload{
		GatewayPaymentID: p.GatewayPaymentID,
		Amount:           p.Amount,
	}); err != nil {
		return "", err
	}
	w.logger.Warn("subscription charge refunded",
		slog.Int64("subscription_id", sub.ID),
		slog.String("payment_id", p.GatewayPaymentID),
		slog.String("reason", reason),
	)
	return OutcomeRefunded, nil
}

func (w *WebhookReconciler) subscriptionCancelled(ctx context.Context, r repo.TxRepos, env *webhookEnvelope) (string, error) {
	se, ok := env.subscription()
	if !ok {
		return OutcomeMalformed, nil
	}
	sub, err := r.Subscriptions().FindByGatewayIDForUpdate(ctx, se.ID)
	if errors.Is(err, repo.ErrNotFound) {
		w.logger.Warn("webhook subscription unknown", slog.String("gateway_subscription_id", se.ID))
		return OutcomeOrphan, nil
	}
	if err != nil {
		return "", err
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return OutcomeAlreadyApplied, nil
	}
	//ゲートウェイ側は解約済みなのでタスクは積まない
	if err := w.settle.transitionSubscription(ctx, r, &sub, model.SubscriptionStatusCancelled, model.GatewayActor, false); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

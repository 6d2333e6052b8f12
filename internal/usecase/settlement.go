package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"

	"gorm.io/datatypes"
)

// 適用結果（webhook_events.outcome とメトリクスのラベル）
const (
	OutcomeApplied        = "applied"
	OutcomeDuplicate      = "duplicate"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeIgnored        = "ignored"
	OutcomePaymentFailed  = "payment_failed"
	OutcomeRefunded       = "refunded"
	OutcomeOutOfStock     = "out_of_stock"
	OutcomeOrphan         = "orphan"
	OutcomeMalformed      = "malformed"
	OutcomeRejected       = "rejected"
)

// ゲートウェイから届いた支払1件
type PaymentResult struct {
	GatewayPaymentID string
	GatewayOrderID   string
	Amount           int64
	Method           string
	Reason           string
	Raw              []byte
}

// 支払の取り込み（webhookと定期便スイープで共通）。すべて呼び出し元のtxの中。
type Settlement struct {
	machine  *OrderStateMachine
	checkout *checkout
	outbox   Outbox
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func NewSettlement(machine *OrderStateMachine, outbox Outbox, loc *time.Location, logger *slog.Logger) *Settlement {
	if loc == nil {
		loc = time.UTC
	}
	return &Settlement{
		machine:  machine,
		checkout: &checkout{stock: machine.stock, outbox: outbox, now: time.Now},
		outbox:   outbox,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Settlement) today() time.Time {
	return model.CalendarDate(s.now(), s.loc)
}

// 定期便1回分の冪等キー
func cycleKey(subID int64, cycle time.Time) string {
	return fmt.Sprintf("sub-%d-%s", subID, cycle.Format(time.DateOnly))
}

// 定期便1回分の注文の下書き（申込時の単価・割引・住所）
func cycleDraft(sub model.Subscription, cycle time.Time, actor model.Actor) orderDraft {
	subID := sub.ID
	date := cycle
	return orderDraft{
		UserID:         sub.UserID,
		AddressID:      sub.AddressID,
		SubscriptionID: &subID,
		DeliveryDate:   &date,
		IdempotencyKey: cycleKey(sub.ID, cycle),
		Lines: []orderLine{{
			ProductID: sub.ProductID,
			Quantity:  sub.Quantity,
			UnitPrice: sub.UnitPrice,
		}},
		DiscountPercent: sub.DiscountPercent,
		Actor:           actor,
	}
}

// cycle の回の注文を返す。まだ無ければ作る（在庫不足なら何も書かずに InsufficientStockError）。
func (s *Settlement) cycleOrder(ctx context.Context, r repo.TxRepos, sub model.Subscription, cycle time.Time, actor model.Actor) (model.Order, bool, error) {
	key := cycleKey(sub.ID, cycle)
	o, found, err := r.Orders().FindByIdempotencyKey(ctx, sub.UserID, key)
	if err != nil {
		return model.Order{}, false, err
	}
	if found {
		return o, false, nil
	}
	o, _, err = s.checkout.create(ctx, r, cycleDraft(sub, cycle, actor))
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}

type paymentAudit struct {
	GatewayPaymentID string              `json:"gateway_payment_id"`
	Status           model.PaymentStatus `json:"status"`
	Amount           int64               `json:"amount"`
}

// 支払行を status にする。既に終端（PAID/REFUNDED）なら false。
func (s *Settlement) upsertPayment(ctx context.Context, r repo.TxRepos, orderID, subID *int64, p PaymentResult, status model.PaymentStatus, actor model.Actor) (bool, error) {
	existing, found, err := r.Payments().FindByGatewayPaymentID(ctx, p.GatewayPaymentID)
	if err != nil {
		return false, err
	}
	if found {
		if existing.Status.IsTerminal() || existing.Status == status {
			return false, nil
		}
		if err := r.Payments().UpdateStatus(ctx, existing.ID, status, p.Reason); err != nil {
			return false, err
		}
		return true, writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionUpdatePaymentStatus, model.AuditResourcePayment, existing.ID,
			paymentAudit{GatewayPaymentID: p.GatewayPaymentID, Status: existing.Status, Amount: existing.Amount},
			paymentAudit{GatewayPaymentID: p.GatewayPaymentID, Status: status, Amount: existing.Amount}, s.now())
	}

	row := model.Payment{
		OrderID:          orderID,
		SubscriptionID:   subID,
		GatewayPaymentID: p.GatewayPaymentID,
		GatewayOrderID:   p.GatewayOrderID,
		Amount:           p.Amount,
		Status:           status,
		Method:           p.Method,
		FailureReason:    p.Reason,
	}
	if len(p.Raw) > 0 {
		row.Raw = datatypes.JSON(p.Raw)
	}
	id, err := r.Payments().Create(ctx, row)
	if err != nil {
		return false, err
	}
	return true, writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionUpdatePaymentStatus, model.AuditResourcePayment, id,
		nil, paymentAudit{GatewayPaymentID: p.GatewayPaymentID, Status: status, Amount: p.Amount}, s.now())
}

// 取り込み成功。注文はロックしてから触る。
// PENDINGの注文はCONFIRMED/PAIDへ。キャンセル済みの注文なら返金タスクを積む。
func (s *Settlement) ApplyCapture(ctx context.Context, r repo.TxRepos, orderID int64, p PaymentResult, actor model.Actor) (string, error) {
	o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return "", notFoundAs(err)
	}

	if o.OrderStatus == model.OrderStatusCancelled || o.OrderStatus == model.OrderStatusRefunded {
		//キャンセル後に取り込まれた。返金する
		changed, err := s.upsertPayment(ctx, r, &o.ID, o.SubscriptionID, p, model.PaymentStatusRefunded, actor)
		if err != nil {
			return "", err
		}
		if !changed {
			return OutcomeAlreadyApplied, nil
		}
		if err := s.outbox.Refund(ctx, r.Tasks(), model.RefundPayload{
			OrderID:          o.ID,
			GatewayPaymentID: p.GatewayPaymentID,
			Amount:           p.Amount,
		}); err != nil {
			return "", err
		}
		s.logger.Warn("payment captured for closed order",
			slog.Int64("order_id", o.ID),
			slog.String("order_status", string(o.OrderStatus)),
			slog.String("payment_id", p.GatewayPaymentID),
		)
		if err := s.outbox.Alert(ctx, r.Tasks(), "payment captured for closed order", "refund enqueued", map[string]string{
			"order_number": o.OrderNumber,
			"payment_id":   p.GatewayPaymentID,
		}); err != nil {
			return "", err
		}
		return OutcomeRefunded, nil
	}

	changed, err := s.upsertPayment(ctx, r, &o.ID, o.SubscriptionID, p, model.PaymentStatusPaid, actor)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeAlreadyApplied, nil
	}

	if err := s.machine.SetPaymentStatus(ctx, r, &o, model.PaymentStatusPaid, actor); err != nil {
		return "", err
	}
	if o.OrderStatus == model.OrderStatusPending {
		if o, err = s.machine.Transition(ctx, r, o.ID, model.OrderStatusConfirmed, actor); err != nil {
			return "", err
		}
	}

	if o.SubscriptionID != nil && o.DeliveryDate != nil {
		if err := s.advanceSubscription(ctx, r, *o.SubscriptionID, *o.DeliveryDate, actor); err != nil {
			return "", err
		}
	}
	return OutcomeApplied, nil
}

// 支払失敗。注文はPENDINGのまま（再試行できる）。
func (s *Settlement) ApplyFailure(ctx context.Context, r repo.TxRepos, orderID int64, p PaymentResult, actor model.Actor) (string, error) {
	o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return "", notFoundAs(err)
	}

	changed, err := s.upsertPayment(ctx, r, &o.ID, o.SubscriptionID, p, model.PaymentStatusFailed, actor)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeAlreadyApplied, nil
	}
	if o.PaymentStatus.IsTerminal() {
		//別の試行で既に支払済み。失敗行だけ残す
		return OutcomePaymentFailed, nil
	}

	if err := s.machine.SetPaymentStatus(ctx, r, &o, model.PaymentStatusFailed, actor); err != nil {
		return "", err
	}
	params := map[string]string{"order_number": o.OrderNumber}
	if p.Reason != "" {
		params["reason"] = p.Reason
	}
	if err := s.outbox.Notify(ctx, r.Tasks(), o.UserID, o.AddressID, TemplatePaymentFailed, params, true); err != nil {
		return "", err
	}
	return OutcomePaymentFailed, nil
}

type advanceAudit struct {
	NextDeliveryDate string `json:"next_delivery_date"`
}

// cycle の回が支払済みになったら次回配送日を進める。
// next_delivery_date が cycle のときだけ進むので、webhookとスイープが重なっても1回分。
func (s *Settlement) advanceSubscription(ctx context.Context, r repo.TxRepos, subID int64, cycle time.Time, actor model.Actor) error {
	sub, err := r.Subscriptions().FindByIDForUpdate(ctx, subID)
	if err != nil {
		return notFoundAs(err)
	}
	if sub.Status == model.SubscriptionStatusCancelled {
		return nil
	}

	cycle = model.CalendarDate(cycle, time.UTC)
	next := sub.Frequency.NextAfter(cycle, s.today())
	ok, err := r.Subscriptions().AdvanceNextDelivery(ctx, sub.ID, cycle, next)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.logger.Info("subscription advanced",
		slog.Int64("subscription_id", sub.ID),
		slog.String("next_delivery_date", next.Format(time.DateOnly)),
	)
	return writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionAdvanceSubscription, model.AuditResourceSubscription, sub.ID,
		advanceAudit{NextDeliveryDate: cycle.Format(time.DateOnly)},
		advanceAudit{NextDeliveryDate: next.Format(time.DateOnly)}, s.now())
}

// 在庫不足で回をスキップした顧客への通知
func (s *Settlement) notifyOutOfStock(ctx context.Context, r repo.TxRepos, sub model.Subscription, cycle time.Time) error {
	return s.outbox.Notify(ctx, r.Tasks(), sub.UserID, sub.AddressID, TemplateSubscriptionOutOfStock, map[string]string{
		"subscription_id": strconv.FormatInt(sub.ID, 10),
		"delivery_date":   cycle.Format(time.DateOnly),
	}, true)
}

type subscriptionStatusAudit struct {
	Status           model.SubscriptionStatus `json:"status"`
	NextDeliveryDate string                   `json:"next_delivery_date"`
}

// ロック済みの定期便を to にする（監査ログ・通知付き）。
// remoteCancel ならゲートウェイ側の解約をタスクで積む。
func (s *Settlement) transitionSubscription(ctx context.Context, r repo.TxRepos, sub *model.Subscription, to model.SubscriptionStatus, actor model.Actor, remoteCancel bool) error {
	from := sub.Status
	if !from.CanTransitionTo(to) {
		s.logger.Error("invalid subscription transition",
			slog.Int64("subscription_id", sub.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("actor", string(actor.Type)),
		)
		return &apperr.InvalidTransitionError{Resource: "subscription", From: string(from), To: string(to)}
	}

	now := s.now()
	if err := r.Subscriptions().UpdateStatus(ctx, sub.ID, from, to, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return &apperr.InvalidTransitionError{Resource: "subscription", From: string(from), To: string(to)}
		}
		return err
	}
	before := subscriptionStatusAudit{Status: from, NextDeliveryDate: sub.NextDeliveryDate.Format(time.DateOnly)}
	sub.Status = to
	if to == model.SubscriptionStatusCancelled {
		sub.CancelledAt = &now
	}
	after := subscriptionStatusAudit{Status: to, NextDeliveryDate: sub.NextDeliveryDate.Format(time.DateOnly)}
	if err := writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionUpdateSubscriptionStatus, model.AuditResourceSubscription, sub.ID,
		before, after, now); err != nil {
		return err
	}

	if remoteCancel && to == model.SubscriptionStatusCancelled && sub.GatewaySubscriptionID != nil {
		if err := s.outbox.CancelSubscription(ctx, r.Tasks(), model.CancelSubscriptionPayload{
			SubscriptionID:        sub.ID,
			GatewaySubscriptionID: *sub.GatewaySubscriptionID,
		}); err != nil {
			return err
		}
	}

	s.logger.Info("subscription status changed",
		slog.Int64("subscription_id", sub.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", string(actor.Type)),
	)
	return s.outbox.Notify(ctx, r.Tasks(), sub.UserID, sub.AddressID, TemplateSubscriptionStatus, map[string]string{
		"subscription_id":    strconv.FormatInt(sub.ID, 10),
		"status":             strings.ToLower(string(to)),
		"next_delivery_date": sub.NextDeliveryDate.Format(time.DateOnly),
	}, false)
}

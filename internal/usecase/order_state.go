package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/metrics"
	repo "settlement/internal/repository"
)

// 注文ステータスの変更はすべてここを通す。
// 行ロック → 遷移表チェック → 条件付き更新 → 副作用 → 監査ログ → 通知（outbox）を1つのtxで行う。
type OrderStateMachine struct {
	stock   *StockReservation
	outbox  Outbox
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewOrderStateMachine(stock *StockReservation, outbox Outbox, m *metrics.Metrics, logger *slog.Logger) *OrderStateMachine {
	return &OrderStateMachine{stock: stock, outbox: outbox, metrics: m, logger: logger, now: time.Now}
}

type orderStatusAudit struct {
	OrderStatus model.OrderStatus `json:"order_status"`
}

type paymentStatusAudit struct {
	PaymentStatus model.PaymentStatus `json:"payment_status"`
}

// Transition は注文を to に進める。表にない遷移（同じステータスへの遷移を含む）は InvalidTransitionError。
func (m *OrderStateMachine) Transition(ctx context.Context, r repo.TxRepos, orderID int64, to model.OrderStatus, actor model.Actor) (model.Order, error) {
	o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return model.Order{}, notFoundAs(err)
	}
	from := o.OrderStatus

	if to.RequiresOwner() && actor.Type != model.ActorAdmin {
		return model.Order{}, apperr.ErrForbidden
	}
	if !from.CanTransitionTo(to) {
		return model.Order{}, m.invalid(o, to, actor)
	}

	if err := r.Orders().UpdateStatus(ctx, orderID, from, to); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return model.Order{}, m.invalid(o, to, actor)
		}
		return model.Order{}, err
	}
	o.OrderStatus = to

	ref := o.OrderNumber
	switch to {
	case model.OrderStatusCancelled:
		//PENDINGで引き当てた在庫を戻す
		if err := m.releaseItems(ctx, r, o, actor, ref); err != nil {
			return model.Order{}, err
		}
	case model.OrderStatusRefunded:
		if from.StockStillHeld() {
			if err := m.releaseItems(ctx, r, o, actor, ref); err != nil {
				return model.Order{}, err
			}
		}
		if err := m.refundPayments(ctx, r, &o, actor); err != nil {
			return model.Order{}, err
		}
	}

	now := m.now()
	if err := writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionUpdateOrderStatus, model.AuditResourceOrder, orderID,
		orderStatusAudit{OrderStatus: from}, orderStatusAudit{OrderStatus: to}, now); err != nil {
		return model.Order{}, err
	}

	//配送系はSMSも送る
	sms := to == model.OrderStatusOutForDelivery || to == model.OrderStatusDelivered
	if err := m.outbox.Notify(ctx, r.Tasks(), o.UserID, o.AddressID, TemplateOrderStatusChanged, map[string]string{
		"order_number": o.OrderNumber,
		"status":       strings.ToLower(string(to)),
	}, sms); err != nil {
		return model.Order{}, err
	}

	m.metrics.OrderTransition(string(from), string(to))
	m.logger.Info("order status changed",
		slog.Int64("order_id", orderID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", string(actor.Type)),
	)
	return o, nil
}

// 支払ステータスの更新（監査ログ付き）
func (m *OrderStateMachine) SetPaymentStatus(ctx context.Context, r repo.TxRepos, o *model.Order, status model.PaymentStatus, actor model.Actor) error {
	if o.PaymentStatus == status {
		return nil
	}
	if err := r.Orders().UpdatePaymentStatus(ctx, o.ID, status); err != nil {
		return notFoundAs(err)
	}
	if err := writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionUpdatePaymentStatus, model.AuditResourceOrder, o.ID,
		paymentStatusAudit{PaymentStatus: o.PaymentStatus}, paymentStatusAudit{PaymentStatus: status}, m.now()); err != nil {
		return err
	}
	o.PaymentStatus = status
	return nil
}

func (m *OrderStateMachine) invalid(o model.Order, to model.OrderStatus, actor model.Actor) error {
	m.metrics.InvalidTransition(string(o.OrderStatus), string(to))
	m.logger.Error("invalid order transition",
		slog.Int64("order_id", o.ID),
		slog.String("from", string(o.OrderStatus)),
		slog.String("to", string(to)),
		slog.String("actor", string(actor.Type)),
	)
	return &apperr.InvalidTransitionError{Resource: "order", From: string(o.OrderStatus), To: string(to)}
}

func (m *OrderStateMachine) releaseItems(ctx context.Context, r repo.TxRepos, o model.Order, actor model.Actor, ref string) error {
	items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
	if err != nil {
		return err
	}
	return m.stock.Release(ctx, r, items, actor, ref)
}

// 取り込み済みの支払をREFUNDEDにして、ゲートウェイ返金をタスクで積む
func (m *OrderStateMachine) refundPayments(ctx context.Context, r repo.TxRepos, o *model.Order, actor model.Actor) error {
	payments, err := r.Payments().ListByOrderID(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, p := range payments {
		if p.Status != model.PaymentStatusPaid {
			continue
		}
		if err := r.Payments().UpdateStatus(ctx, p.ID, model.PaymentStatusRefunded, ""); err != nil {
			return err
		}
		if err := m.outbox.Refund(ctx, r.Tasks(), model.RefundPayload{
			OrderID:          o.ID,
			GatewayPaymentID: p.GatewayPaymentID,
			Amount:           p.Amount,
		}); err != nil {
			return err
		}
	}
	if o.PaymentStatus != model.PaymentStatusPaid {
		return nil
	}
	return m.SetPaymentStatus(ctx, r, o, model.PaymentStatusRefunded, actor)
}

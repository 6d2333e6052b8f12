package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"
	repo "settlement/internal/repository"
)

// 決済ゲートウェイ（infra/gateway.Client）
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount int64, receipt string, notes map[string]string) (gateway.RemoteOrder, error)
	CreateSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.RemoteSubscription, error)
	ChargeRecurring(ctx context.Context, req gateway.RecurringCharge) (gateway.Charge, error)
	Refund(ctx context.Context, paymentID string, amount int64) (gateway.RefundResult, error)
	CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error
}

// ゲートウェイ呼び出しの窓口。リトライと冪等性（注文ごとにリモート注文は1つ）をここで担保する。
type PaymentAdapter struct {
	tx            repo.TransactionManager
	gw            PaymentGateway
	retry         RetryPolicy
	webhookSecret string
	currency      string
	logger        *slog.Logger
}

func NewPaymentAdapter(tx repo.TransactionManager, gw PaymentGateway, retry RetryPolicy, webhookSecret, currency string, logger *slog.Logger) *PaymentAdapter {
	return &PaymentAdapter{
		tx:            tx,
		gw:            gw,
		retry:         retry,
		webhookSecret: webhookSecret,
		currency:      currency,
		logger:        logger,
	}
}

type RemoteOrderRef struct {
	OrderID        int64  `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// 注文行をロックしたままゲートウェイに注文を作る。
// 既に gateway_order_id があればそれを返す（同じ注文で2回作らない）。
func (a *PaymentAdapter) CreateRemoteOrder(ctx context.Context, orderID int64) (RemoteOrderRef, error) {
	var out RemoteOrderRef
	err := a.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return notFoundAs(err)
		}
		out = RemoteOrderRef{OrderID: o.ID, OrderNumber: o.OrderNumber, Amount: o.FinalAmount, Currency: a.currency}

		if o.GatewayOrderID != nil && *o.GatewayOrderID != "" {
			out.GatewayOrderID = *o.GatewayOrderID
			return nil
		}
		if o.OrderStatus != model.OrderStatusPending || o.PaymentStatus.IsTerminal() {
			return apperr.Validation("order", "not awaiting payment")
		}

		var remote gateway.RemoteOrder
		err = a.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			remote, err = a.gw.CreateOrder(ctx, o.FinalAmount, o.OrderNumber, map[string]string{
				"order_id": strconv.FormatInt(o.ID, 10),
			})
			return err
		})
		if err != nil {
			a.logger.Error("create remote order failed",
				slog.Int64("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			return err
		}

		if err := r.Orders().SetGatewayOrderID(ctx, o.ID, remote.ID); err != nil {
			return err
		}
		out.GatewayOrderID = remote.ID
		return nil
	})
	if err != nil {
		return RemoteOrderRef{}, err
	}
	return out, nil
}

// webhookの署名検証（設定済みシークレットで）
func (a *PaymentAdapter) VerifySignature(payload []byte, signature string) error {
	return gateway.VerifySignature(payload, signature, a.webhookSecret)
}

func (a *PaymentAdapter) CreateRemoteSubscription(ctx context.Context, req gateway.SubscriptionRequest) (gateway.RemoteSubscription, error) {
	var out gateway.RemoteSubscription
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.gw.CreateSubscription(ctx, req)
		return err
	})
	return out, err
}

// 定期便の課金（一時的な失敗はリトライ）
func (a *PaymentAdapter) ChargeRecurring(ctx context.Context, req gateway.RecurringCharge) (gateway.Charge, error) {
	var out gateway.Charge
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.gw.ChargeRecurring(ctx, req)
		return err
	})
	return out, err
}

// gateway.refund タスク。リトライはDispatcherに任せる。
func (a *PaymentAdapter) HandleRefundTask(ctx context.Context, task model.Task) error {
	var p model.RefundPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return apperr.Validation("payload", err.Error())
	}
	if p.GatewayPaymentID == "" {
		return apperr.Validation("gateway_payment_id", "required")
	}
	res, err := a.gw.Refund(ctx, p.GatewayPaymentID, p.Amount)
	if err != nil {
		return err
	}
	a.logger.Info("refund issued",
		slog.Int64("order_id", p.OrderID),
		slog.String("payment_id", p.GatewayPaymentID),
		slog.String("refund_id", res.ID),
	)
	return nil
}

// gateway.cancel_subscription タスク
func (a *PaymentAdapter) HandleCancelSubscriptionTask(ctx context.Context, task model.Task) error {
	var p model.CancelSubscriptionPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return apperr.Validation("payload", err.Error())
	}
	if p.GatewaySubscriptionID == "" {
		return apperr.Validation("gateway_subscription_id", "required")
	}
	if err := a.gw.CancelSubscription(ctx, p.GatewaySubscriptionID); err != nil {
		return err
	}
	a.logger.Info("remote subscription cancelled",
		slog.Int64("subscription_id", p.SubscriptionID),
		slog.String("gateway_subscription_id", p.GatewaySubscriptionID),
	)
	return nil
}

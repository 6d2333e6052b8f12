package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"
	repo "settlement/internal/repository"
)

// 1件分の処理結果（メトリクスのラベル）
const (
	BillingCharged       = "charged"
	BillingPending       = "pending"
	BillingPaymentFailed = "payment_failed"
	BillingPaymentDue    = "payment_due"
	BillingOutOfStock    = "out_of_stock"
	BillingSkipped       = "skipped"
	BillingAlreadyPaid   = "already_paid"
	BillingError         = "error"
)

// 定期便の1回分の課金。スイープの1作業単位。
type SubscriptionBilling struct {
	tx       repo.TransactionManager
	payments *PaymentAdapter
	settle   *Settlement
	logger   *slog.Logger
}

func NewSubscriptionBilling(tx repo.TransactionManager, payments *PaymentAdapter, settle *Settlement, logger *slog.Logger) *SubscriptionBilling {
	return &SubscriptionBilling{tx: tx, payments: payments, settle: settle, logger: logger}
}

// 今日の実行日（設定のタイムゾーン）
func (b *SubscriptionBilling) RunDate() time.Time {
	return b.settle.today()
}

// runDate 時点で期日が来ているACTIVEな定期便のID（afterIDより後をID昇順で）
func (b *SubscriptionBilling) DueSubscriptionIDs(ctx context.Context, runDate time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		ids, err = r.Subscriptions().ListDueIDs(ctx, runDate, afterID, limit)
		return err
	})
	return ids, err
}

// tx1で回の注文を作り、ゲートウェイで課金し、tx2で結果を記録する。
type dueCycle struct {
	sub   model.Subscription
	order model.Order
	email string
	phone string
}

func (b *SubscriptionBilling) ProcessDue(ctx context.Context, subID int64, runDate time.Time) (string, error) {
	runDate = model.CalendarDate(runDate, time.UTC)
	actor := model.SystemActor

	var c dueCycle
	result := ""
	err := b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		sub, err := r.Subscriptions().FindByIDForUpdate(ctx, subID)
		if err != nil {
			return notFoundAs(err)
		}
		cycle := model.CalendarDate(sub.NextDeliveryDate, time.UTC)
		//一覧取得からロックまでの間に停止・前進したもの
		if sub.Status != model.SubscriptionStatusActive || cycle.After(runDate) {
			result = BillingSkipped
			return nil
		}

		o, created, err := b.settle.cycleOrder(ctx, r, sub, cycle, actor)
		var ise *apperr.InsufficientStockError
		if errors.As(err, &ise) {
			//注文は作らず、日付もそのまま。顧客に知らせる
			b.logger.Warn("subscription cycle out of stock",
				slog.Int64("subscription_id", sub.ID),
				slog.Int64("product_id", ise.ProductID),
				slog.Int64("available", ise.Available),
			)
			result = BillingOutOfStock
			return b.settle.notifyOutOfStock(ctx, r, sub, cycle)
		}
		if err != nil {
			return err
		}

		if !created {
			switch {
			case o.PaymentStatus.IsTerminal():
				//webhookで支払済み。日付が残っていれば進める
				result = BillingAlreadyPaid
				return b.settle.advanceSubscription(ctx, r, sub.ID, cycle, actor)
			case o.OrderStatus == model.OrderStatusCancelled:
				//この回はキャンセルされた。次回へ
				result = BillingSkipped
				return b.settle.advanceSubscription(ctx, r, sub.ID, cycle, actor)
			}
			pending, err := hasOpenPayment(ctx, r, o.ID)
			if err != nil {
				return err
			}
			if pending {
				//前回の課金結果待ち
				result = BillingPending
				return nil
			}
		}

		user, err := r.Users().FindByID(ctx, sub.UserID)
		if err != nil {
			return notFoundAs(err)
		}
		addr, err := r.Addresses().FindByID(ctx, sub.AddressID)
		if err != nil {
			return notFoundAs(err)
		}
		c = dueCycle{sub: sub, order: o, email: user.Email, phone: addr.Phone}
		return nil
	})
	if err != nil {
		return BillingError, err
	}
	if result != "" {
		return result, nil
	}

	ref, err := b.payments.CreateRemoteOrder(ctx, c.order.ID)
	if err != nil {
		return BillingError, b.chargeFailed(ctx, c, err)
	}

	if c.sub.GatewayCustomerID == "" || c.sub.GatewayTokenID == "" {
		//自動課金の手段が無い。顧客に支払を依頼し、結果はwebhookで受ける
		err := b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			return b.settle.outbox.Notify(ctx, r.Tasks(), c.sub.UserID, c.sub.AddressID, TemplateSubscriptionPaymentDue, map[string]string{
				"order_number":     c.order.OrderNumber,
				"gateway_order_id": ref.GatewayOrderID,
				"final_amount":     strconv.FormatInt(c.order.FinalAmount, 10),
			}, true)
		})
		if err != nil {
			return BillingError, err
		}
		return BillingPaymentDue, nil
	}

	charge, err := b.payments.ChargeRecurring(ctx, gateway.RecurringCharge{
		GatewayOrderID: ref.GatewayOrderID,
		CustomerID:     c.sub.GatewayCustomerID,
		TokenID:        c.sub.GatewayTokenID,
		Amount:         c.order.FinalAmount,
		Email:          c.email,
		Phone:          c.phone,
		Description:    c.order.OrderNumber,
	})
	if err != nil {
		return BillingError, b.chargeFailed(ctx, c, err)
	}
	p := PaymentResult{
		GatewayPaymentID: charge.PaymentID,
		GatewayOrderID:   charge.OrderID,
		Amount:           c.order.FinalAmount,
		Method:           "recurring",
		Reason:           charge.Reason,
	}
	if charge.PaymentID == "" || (charge.Status != "captured" && charge.Status != "failed") {
		b.logger.Info("subscription charge pending",
			slog.Int64("subscription_id", c.sub.ID),
			slog.Int64("order_id", c.order.ID),
			slog.String("payment_id", charge.PaymentID),
		)
		if charge.PaymentID == "" {
			return BillingPending, nil
		}
		//次のスイープで二重に課金しないよう、結果待ちの支払として残す
		err := b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			subID := c.sub.ID
			_, err := b.settle.upsertPayment(ctx, r, &c.order.ID, &subID, p, model.PaymentStatusPending, actor)
			return err
		})
		if err != nil {
			return BillingError, err
		}
		return BillingPending, nil
	}

	result = BillingCharged
	err = b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		if charge.Status == "captured" {
			_, err = b.settle.ApplyCapture(ctx, r, c.order.ID, p, actor)
			return err
		}
		result = BillingPaymentFailed
		_, err = b.settle.ApplyFailure(ctx, r, c.order.ID, p, actor)
		return err
	})
	if err != nil {
		return BillingError, err
	}
	return result, nil
}

// まだ結果の出ていない支払があるか
func hasOpenPayment(ctx context.Context, r repo.TxRepos, orderID int64) (bool, error) {
	list, err := r.Payments().ListByOrderID(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, p := range list {
		if p.Status == model.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

// リトライしても課金できなかった。運用に通知し、入力不正なら顧客にも知らせる。
func (b *SubscriptionBilling) chargeFailed(ctx context.Context, c dueCycle, cause error) error {
	b.logger.Error("subscription charge failed",
		slog.Int64("subscription_id", c.sub.ID),
		slog.Int64("order_id", c.order.ID),
		slog.String("error", cause.Error()),
	)
	err := b.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var ve *apperr.ValidationError
		if errors.As(cause, &ve) {
			if err := b.settle.outbox.Notify(ctx, r.Tasks(), c.sub.UserID, c.sub.AddressID, TemplateSubscriptionChargeError, map[string]string{
				"order_number": c.order.OrderNumber,
			}, false); err != nil {
				return err
			}
		}
		return b.settle.outbox.Alert(ctx, r.Tasks(), "subscription charge failed", cause.Error(), map[string]string{
			"subscription_id": strconv.FormatInt(c.sub.ID, 10),
			"order_number":    c.order.OrderNumber,
		})
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

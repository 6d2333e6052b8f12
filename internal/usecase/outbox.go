package usecase

import (
	"context"
	"time"

	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// 通知テンプレート名
const (
	TemplateOrderPlaced             = "order_placed"
	TemplateOrderStatusChanged      = "order_status_changed"
	TemplatePaymentFailed           = "payment_failed"
	TemplateSubscriptionStatus      = "subscription_status_changed"
	TemplateSubscriptionOutOfStock  = "subscription_out_of_stock"
	TemplateSubscriptionPaymentDue  = "subscription_payment_due"
	TemplateSubscriptionChargeError = "subscription_charge_failed"
)

// 業務txと同じtxでtasksに積む。配信はDispatcherが後で行う。
type Outbox struct {
	MaxAttempts int
	Now         func() time.Time
}

func NewOutbox(maxAttempts int) Outbox {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return Outbox{MaxAttempts: maxAttempts, Now: time.Now}
}

func (o Outbox) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// メール（とSMS）で顧客に知らせる
func (o Outbox) Notify(ctx context.Context, tasks repo.TaskRepository, userID, addressID int64, template string, params map[string]string, sms bool) error {
	p := model.NotificationPayload{
		UserID:    userID,
		AddressID: addressID,
		Template:  template,
		Params:    params,
	}
	if err := tasks.Enqueue(ctx, model.TaskNotifyEmail, p, o.MaxAttempts, o.now()); err != nil {
		return err
	}
	if sms {
		return tasks.Enqueue(ctx, model.TaskNotifySMS, p, o.MaxAttempts, o.now())
	}
	return nil
}

func (o Outbox) Refund(ctx context.Context, tasks repo.TaskRepository, p model.RefundPayload) error {
	return tasks.Enqueue(ctx, model.TaskGatewayRefund, p, o.MaxAttempts, o.now())
}

func (o Outbox) CancelSubscription(ctx context.Context, tasks repo.TaskRepository, p model.CancelSubscriptionPayload) error {
	return tasks.Enqueue(ctx, model.TaskGatewayCancelSubscription, p, o.MaxAttempts, o.now())
}

// 運用への通知（手動対応が必要なもの）
func (o Outbox) Alert(ctx context.Context, tasks repo.TaskRepository, subject, detail string, fields map[string]string) error {
	return tasks.Enqueue(ctx, model.TaskOpsAlert, model.OpsAlertPayload{
		Subject: subject,
		Detail:  detail,
		Fields:  fields,
	}, o.MaxAttempts, o.now())
}

// 業務txの外からタスクを積むとき用（1件ごとに短いtx）
type txTaskRepository struct {
	tx repo.TransactionManager
}

func (t txTaskRepository) Enqueue(ctx context.Context, kind model.TaskKind, payload any, maxAttempts int, availableAt time.Time) error {
	return t.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		return r.Tasks().Enqueue(ctx, kind, payload, maxAttempts, availableAt)
	})
}

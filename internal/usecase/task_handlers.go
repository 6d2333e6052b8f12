package usecase

import (
	"context"
	"encoding/json"
	"log/slog"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// 通知サービス（infra/notify.Client）
type NotificationSender interface {
	SendEmail(ctx context.Context, template, recipient string, params map[string]string) error
	SendSMS(ctx context.Context, template, recipient string, params map[string]string) error
}

const templateOpsAlert = "ops_alert"

// notify.* / ops.alert タスクの処理。宛先は送る時点のユーザー・住所から引く。
type NotificationTasks struct {
	tx       repo.TransactionManager
	sender   NotificationSender
	opsEmail string
	logger   *slog.Logger
}

func NewNotificationTasks(tx repo.TransactionManager, sender NotificationSender, opsEmail string, logger *slog.Logger) *NotificationTasks {
	return &NotificationTasks{tx: tx, sender: sender, opsEmail: opsEmail, logger: logger}
}

func decodeNotification(task model.Task) (model.NotificationPayload, error) {
	var p model.NotificationPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return p, apperr.Validation("payload", err.Error())
	}
	if p.UserID <= 0 || p.Template == "" {
		return p, apperr.Validation("payload", "user_id and template required")
	}
	return p, nil
}

func (n *NotificationTasks) HandleEmail(ctx context.Context, task model.Task) error {
	p, err := decodeNotification(task)
	if err != nil {
		return err
	}
	var email string
	err = n.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		u, err := r.Users().FindByID(ctx, p.UserID)
		if err != nil {
			if err == repo.ErrNotFound {
				return apperr.Validation("user_id", "not found")
			}
			return err
		}
		email = u.Email
		return nil
	})
	if err != nil {
		return err
	}
	return n.sender.SendEmail(ctx, p.Template, email, p.Params)
}

// SMSは配送先の電話番号、無ければユーザーの電話番号へ。どちらも無ければ送らない。
func (n *NotificationTasks) HandleSMS(ctx context.Context, task model.Task) error {
	p, err := decodeNotification(task)
	if err != nil {
		return err
	}
	var phone string
	err = n.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		if p.AddressID > 0 {
			a, err := r.Addresses().FindByID(ctx, p.AddressID)
			if err != nil && err != repo.ErrNotFound {
				return err
			}
			if err == nil && a.UserID == p.UserID {
				phone = a.Phone
			}
		}
		if phone != "" {
			return nil
		}
		u, err := r.Users().FindByID(ctx, p.UserID)
		if err != nil {
			if err == repo.ErrNotFound {
				return apperr.Validation("user_id", "not found")
			}
			return err
		}
		phone = u.Phone
		return nil
	})
	if err != nil {
		return err
	}
	if phone == "" {
		n.logger.Info("sms skipped: no phone",
			slog.Int64("task_id", task.ID),
			slog.Int64("user_id", p.UserID),
		)
		return nil
	}
	return n.sender.SendSMS(ctx, p.Template, phone, p.Params)
}

func (n *NotificationTasks) HandleOpsAlert(ctx context.Context, task model.Task) error {
	var p model.OpsAlertPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return apperr.Validation("payload", err.Error())
	}
	attrs := []any{
		slog.Int64("task_id", task.ID),
		slog.String("subject", p.Subject),
		slog.String("detail", p.Detail),
	}
	for k, v := range p.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Warn("ops alert", attrs...)
	if n.opsEmail == "" {
		return nil
	}

	params := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		params[k] = v
	}
	params["subject"] = p.Subject
	params["detail"] = p.Detail
	return n.sender.SendEmail(ctx, templateOpsAlert, n.opsEmail, params)
}

package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/infra/gateway"
	repo "settlement/internal/repository"
)

type SubscriptionUsecase struct {
	tx              repo.TransactionManager
	payments        *PaymentAdapter
	settle          *Settlement
	discountPercent int64
	logger          *slog.Logger
}

func NewSubscriptionUsecase(tx repo.TransactionManager, payments *PaymentAdapter, settle *Settlement, discountPercent int, logger *slog.Logger) *SubscriptionUsecase {
	return &SubscriptionUsecase{
		tx:              tx,
		payments:        payments,
		settle:          settle,
		discountPercent: int64(discountPercent),
		logger:          logger,
	}
}

type CreateSubscriptionInput struct {
	ProductID int64
	Quantity  int64
	AddressID int64
	Frequency string
	// YYYY-MM-DD。空なら明日から
	StartDate string
}

type SubscriptionOutput struct {
	ID                    int64                    `json:"id"`
	ProductID             int64                    `json:"product_id"`
	Quantity              int64                    `json:"quantity"`
	AddressID             int64                    `json:"address_id"`
	Frequency             model.PlanFrequency      `json:"plan_frequency"`
	Status                model.SubscriptionStatus `json:"status"`
	NextDeliveryDate      string                   `json:"next_delivery_date"`
	UnitPrice             int64                    `json:"unit_price"`
	DiscountPercent       int64                    `json:"discount_percent"`
	GatewaySubscriptionID string                   `json:"gateway_subscription_id,omitempty"`
	CancelledAt           *time.Time               `json:"cancelled_at,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
}

func toSubscriptionOutput(s model.Subscription) SubscriptionOutput {
	out := SubscriptionOutput{
		ID:               s.ID,
		ProductID:        s.ProductID,
		Quantity:         s.Quantity,
		AddressID:        s.AddressID,
		Frequency:        s.Frequency,
		Status:           s.Status,
		NextDeliveryDate: s.NextDeliveryDate.Format(time.DateOnly),
		UnitPrice:        s.UnitPrice,
		DiscountPercent:  s.DiscountPercent,
		CancelledAt:      s.CancelledAt,
		CreatedAt:        s.CreatedAt,
	}
	if s.GatewaySubscriptionID != nil {
		out.GatewaySubscriptionID = *s.GatewaySubscriptionID
	}
	return out
}

// 定期便の申込。単価は申込時の商品価格で固定する。
// コミット後にゲートウェイ側の定期契約を作る（失敗しても申込は残り、運用に通知）。
func (u *SubscriptionUsecase) Create(ctx context.Context, userID int64, in CreateSubscriptionInput) (SubscriptionOutput, error) {
	if userID <= 0 {
		return SubscriptionOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.ProductID <= 0 {
		return SubscriptionOutput{}, apperr.Validation("product_id", "invalid")
	}
	if in.Quantity <= 0 {
		return SubscriptionOutput{}, apperr.Validation("quantity", "must be positive")
	}
	if in.AddressID <= 0 {
		return SubscriptionOutput{}, apperr.Validation("address_id", "invalid")
	}
	freq, ok := model.ParsePlanFrequency(strings.TrimSpace(in.Frequency))
	if !ok {
		return SubscriptionOutput{}, apperr.Validation("plan_frequency", "must be DAILY, ALTERNATE_DAYS or WEEKLY")
	}

	today := u.settle.today()
	start := today.AddDate(0, 0, 1)
	if s := strings.TrimSpace(in.StartDate); s != "" {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return SubscriptionOutput{}, apperr.Validation("start_date", "must be YYYY-MM-DD")
		}
		if d.Before(today) {
			return SubscriptionOutput{}, apperr.Validation("start_date", "must not be in the past")
		}
		start = d
	}

	var sub model.Subscription
	var user *model.User
	var addr model.Address
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		addr, err = r.Addresses().FindByID(ctx, in.AddressID)
		if err != nil {
			return notFoundAs(err)
		}
		if addr.UserID != userID {
			return apperr.ErrForbidden
		}

		p, err := r.Products().FindByID(ctx, in.ProductID)
		if err != nil {
			if err == repo.ErrNotFound {
				return apperr.Validation("product_id", "not found")
			}
			return err
		}
		if !p.IsActive {
			return apperr.Validation("product_id", "inactive")
		}

		user, err = r.Users().FindByID(ctx, userID)
		if err != nil {
			return notFoundAs(err)
		}

		sub = model.Subscription{
			UserID:           userID,
			ProductID:        p.ID,
			Quantity:         in.Quantity,
			AddressID:        addr.ID,
			Frequency:        freq,
			Status:           model.SubscriptionStatusActive,
			NextDeliveryDate: start,
			UnitPrice:        p.Price,
			DiscountPercent:  u.discountPercent,
		}
		id, err := r.Subscriptions().Create(ctx, sub)
		if err != nil {
			return err
		}
		sub.ID = id

		now := u.settle.now()
		sub.CreatedAt = now
		if err := writeAudit(ctx, r.AuditLogs(), model.UserActor(userID), model.AuditActionUpdateSubscriptionStatus, model.AuditResourceSubscription, id,
			nil, subscriptionStatusAudit{Status: sub.Status, NextDeliveryDate: start.Format(time.DateOnly)}, now); err != nil {
			return err
		}
		return u.settle.outbox.Notify(ctx, r.Tasks(), userID, addr.ID, TemplateSubscriptionStatus, map[string]string{
			"subscription_id":    strconv.FormatInt(id, 10),
			"status":             "active",
			"next_delivery_date": start.Format(time.DateOnly),
		}, false)
	})
	if err != nil {
		return SubscriptionOutput{}, err
	}

	remote, err := u.payments.CreateRemoteSubscription(ctx, gateway.SubscriptionRequest{
		Plan:          strings.ToLower(string(freq)),
		CustomerName:  addr.Name,
		CustomerEmail: user.Email,
		CustomerPhone: addr.Phone,
		Notes:         map[string]string{"subscription_id": strconv.FormatInt(sub.ID, 10)},
	})
	if err == nil {
		err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			return r.Subscriptions().SetGatewayRefs(ctx, sub.ID, remote.ID, remote.CustomerID, remote.TokenID)
		})
	}
	if err != nil {
		u.logger.Error("remote subscription not created",
			slog.Int64("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
		if aerr := u.settle.outbox.Alert(ctx, txTaskRepository{tx: u.tx}, "remote subscription not created", err.Error(), map[string]string{
			"subscription_id": strconv.FormatInt(sub.ID, 10),
		}); aerr != nil {
			u.logger.Error("enqueue ops alert failed",
				slog.Int64("subscription_id", sub.ID),
				slog.String("error", aerr.Error()),
			)
		}
		return toSubscriptionOutput(sub), nil
	}

	id := remote.ID
	sub.GatewaySubscriptionID = &id
	sub.GatewayCustomerID = remote.CustomerID
	sub.GatewayTokenID = remote.TokenID
	return toSubscriptionOutput(sub), nil
}

func (u *SubscriptionUsecase) List(ctx context.Context, userID int64) ([]SubscriptionOutput, error) {
	if userID <= 0 {
		return nil, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	var out []SubscriptionOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		list, err := r.Subscriptions().ListByUserID(ctx, userID)
		if err != nil {
			return err
		}
		out = make([]SubscriptionOutput, 0, len(list))
		for _, s := range list {
			out = append(out, toSubscriptionOutput(s))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ACTIVE → PAUSED（スイープの対象から外れる）
func (u *SubscriptionUsecase) Pause(ctx context.Context, userID, subID int64) (SubscriptionOutput, error) {
	return u.change(ctx, userID, subID, model.SubscriptionStatusPaused, nil)
}

// PAUSED → ACTIVE。次回配送日が過ぎていれば今日以降の配送日に移す。
func (u *SubscriptionUsecase) Resume(ctx context.Context, userID, subID int64) (SubscriptionOutput, error) {
	return u.change(ctx, userID, subID, model.SubscriptionStatusActive, func(ctx context.Context, r repo.TxRepos, sub *model.Subscription) error {
		if sub.Status != model.SubscriptionStatusPaused {
			return nil
		}
		today := u.settle.today()
		current := model.CalendarDate(sub.NextDeliveryDate, time.UTC)
		if !current.Before(today) {
			return nil
		}
		next := sub.Frequency.NextAfter(current, today.AddDate(0, 0, -1))
		if err := r.Subscriptions().SetNextDelivery(ctx, sub.ID, next); err != nil {
			return err
		}
		sub.NextDeliveryDate = next
		return nil
	})
}

// 解約（終端）。ゲートウェイ側の解約はタスクで行う。
func (u *SubscriptionUsecase) Cancel(ctx context.Context, userID, subID int64) (SubscriptionOutput, error) {
	return u.change(ctx, userID, subID, model.SubscriptionStatusCancelled, nil)
}

func (u *SubscriptionUsecase) change(ctx context.Context, userID, subID int64, to model.SubscriptionStatus, before func(context.Context, repo.TxRepos, *model.Subscription) error) (SubscriptionOutput, error) {
	if userID <= 0 {
		return SubscriptionOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if subID <= 0 {
		return SubscriptionOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out SubscriptionOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		sub, err := r.Subscriptions().FindByIDForUpdate(ctx, subID)
		if err != nil {
			return notFoundAs(err)
		}
		if sub.UserID != userID {
			return apperr.ErrNotFound
		}
		if before != nil {
			if err := before(ctx, r, &sub); err != nil {
				return err
			}
		}
		if err := u.settle.transitionSubscription(ctx, r, &sub, to, model.UserActor(userID), true); err != nil {
			return err
		}
		out = toSubscriptionOutput(sub)
		return nil
	})
	if err != nil {
		return SubscriptionOutput{}, err
	}
	return out, nil
}

package repository

import (
	"context"
	"time"

	"settlement/internal/domain/model"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, s model.Subscription) (int64, error)
	FindByID(ctx context.Context, id int64) (model.Subscription, error)
	FindByIDForUpdate(ctx context.Context, id int64) (model.Subscription, error)
	FindByGatewayIDForUpdate(ctx context.Context, gatewaySubscriptionID string) (model.Subscription, error)
	ListByUserID(ctx context.Context, userID int64) ([]model.Subscription, error)

	// ACTIVEかつ next_delivery_date <= runDate のID（afterIDより後、ID昇順）
	ListDueIDs(ctx context.Context, runDate time.Time, afterID int64, limit int) ([]int64, error)

	// from のときだけ to にする。対象が無ければ ErrConflict
	UpdateStatus(ctx context.Context, id int64, from, to model.SubscriptionStatus, at time.Time) error

	// next_delivery_date が expected のときだけ next に進める（二重前進防止）
	AdvanceNextDelivery(ctx context.Context, id int64, expected, next time.Time) (bool, error)
	SetNextDelivery(ctx context.Context, id int64, next time.Time) error
	SetGatewayRefs(ctx context.Context, id int64, gatewaySubscriptionID, customerID, tokenID string) error
}

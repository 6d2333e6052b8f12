package repository

import (
	"context"
	"time"

	"settlement/internal/domain/model"
	repo "settlement/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionGormRepository struct {
	db *gorm.DB
}

func NewSubscriptionGormRepository(db *gorm.DB) *SubscriptionGormRepository {
	return &SubscriptionGormRepository{db: db}
}

// date列にはYYYY-MM-DDで渡す（セッションTZに左右されない）
func dateParam(t time.Time) string {
	return t.Format(time.DateOnly)
}

func (r *SubscriptionGormRepository) Create(ctx context.Context, s model.Subscription) (int64, error) {
	if err := r.db.WithContext(ctx).Create(&s).Error; err != nil {
		return 0, err
	}
	return s.ID, nil
}

func (r *SubscriptionGormRepository) FindByID(ctx context.Context, id int64) (model.Subscription, error) {
	var s model.Subscription
	err := r.db.WithContext(ctx).First(&s, id).Error
	if isNotFound(err) {
		return model.Subscription{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (r *SubscriptionGormRepository) FindByIDForUpdate(ctx context.Context, id int64) (model.Subscription, error) {
	var s model.Subscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&s).Error
	if isNotFound(err) {
		return model.Subscription{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (r *SubscriptionGormRepository) FindByGatewayIDForUpdate(ctx context.Context, gatewaySubscriptionID string) (model.Subscription, error) {
	var s model.Subscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway_subscription_id = ?", gatewaySubscriptionID).
		First(&s).Error
	if isNotFound(err) {
		return model.Subscription{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (r *SubscriptionGormRepository) ListByUserID(ctx context.Context, userID int64) ([]model.Subscription, error) {
	var list []model.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Find(&list).Error; err != nil {
		return []model.Subscription{}, err
	}
	return list, nil
}

// 当日分と取りこぼし分（過去日）をまとめて拾う
func (r *SubscriptionGormRepository) ListDueIDs(ctx context.Context, runDate time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	q := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("status = ? AND next_delivery_date <= ?", model.SubscriptionStatusActive, dateParam(runDate)).
		Where("id > ?", afterID).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *SubscriptionGormRepository) UpdateStatus(ctx context.Context, id int64, from, to model.SubscriptionStatus, at time.Time) error {
	updates := map[string]any{"status": to}
	if to == model.SubscriptionStatusCancelled {
		updates["cancelled_at"] = at
	}
	res := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (r *SubscriptionGormRepository) AdvanceNextDelivery(ctx context.Context, id int64, expected, next time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND next_delivery_date = ?", id, dateParam(expected)).
		Update("next_delivery_date", dateParam(next))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *SubscriptionGormRepository) SetNextDelivery(ctx context.Context, id int64, next time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ?", id).
		Update("next_delivery_date", dateParam(next))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *SubscriptionGormRepository) SetGatewayRefs(ctx context.Context, id int64, gatewaySubscriptionID, customerID, tokenID string) error {
	res := r.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"gateway_subscription_id": gatewaySubscriptionID,
			"gateway_customer_id":     customerID,
			"gateway_token_id":        tokenID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

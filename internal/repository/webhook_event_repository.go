package repository

import (
	"context"
	"time"

	"settlement/internal/domain/model"
)

type WebhookEventRepository interface {
	// (gateway, event_id) が既にあれば false（ON CONFLICT DO NOTHING）
	InsertIfAbsent(ctx context.Context, ev *model.WebhookEvent) (bool, error)
	MarkApplied(ctx context.Context, id int64, outcome string, at time.Time) error
}

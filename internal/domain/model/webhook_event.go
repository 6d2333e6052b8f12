package model

import (
	"time"

	"gorm.io/datatypes"
)

// 受信した webhook の処理状態
type WebhookEventStatus string

const (
	WebhookEventReceived WebhookEventStatus = "RECEIVED"
	WebhookEventVerified WebhookEventStatus = "VERIFIED"
	WebhookEventApplied  WebhookEventStatus = "APPLIED"
	WebhookEventRejected WebhookEventStatus = "REJECTED"
)

// 処理済みイベント。(gateway, event_id) のユニーク制約で二重適用を防ぐ。
type WebhookEvent struct {
	ID          int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	Gateway     string             `gorm:"type:varchar(30);not null;uniqueIndex:ux_webhook_events_gateway_event" json:"gateway"`
	EventID     string             `gorm:"type:varchar(128);not null;uniqueIndex:ux_webhook_events_gateway_event" json:"event_id"`
	EventType   string             `gorm:"type:varchar(64);not null;index" json:"event_type"`
	Status      WebhookEventStatus `gorm:"type:varchar(20);not null" json:"status"`
	Outcome     string             `gorm:"type:varchar(64)" json:"outcome"`
	Payload     datatypes.JSON     `gorm:"type:jsonb" json:"-"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
	CreatedAt   time.Time          `gorm:"not null;autoCreateTime" json:"created_at"`
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskStatusQueued   TaskStatus = "QUEUED"
	TaskStatusInFlight TaskStatus = "IN_FLIGHT"
	TaskStatusDone     TaskStatus = "DONE"
	TaskStatusDead     TaskStatus = "DEAD"
)

// 非同期タスクの種類
type TaskKind string

const (
	TaskNotifyEmail               TaskKind = "notify.email"
	TaskNotifySMS                 TaskKind = "notify.sms"
	TaskGatewayRefund             TaskKind = "gateway.refund"
	TaskGatewayCancelSubscription TaskKind = "gateway.cancel_subscription"
	TaskOpsAlert                  TaskKind = "ops.alert"
)

// キュー（outbox）。業務トランザクションと同じtxで積む。
type Task struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind        TaskKind       `gorm:"type:varchar(64);not null;index" json:"kind"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status      TaskStatus     `gorm:"type:varchar(20);not null;index:ix_tasks_ready,priority:1" json:"status"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"not null;default:3" json:"max_attempts"`
	AvailableAt time.Time      `gorm:"not null;index:ix_tasks_ready,priority:2" json:"available_at"`
	LockedUntil *time.Time     `json:"locked_until,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// 通知タスクの中身
type NotificationPayload struct {
	UserID    int64             `json:"user_id"`
	AddressID int64             `json:"address_id,omitempty"`
	Template  string            `json:"template"`
	Params    map[string]string `json:"params"`
}

// 返金タスクの中身
type RefundPayload struct {
	OrderID          int64  `json:"order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Amount           int64  `json:"amount"`
}

type CancelSubscriptionPayload struct {
	SubscriptionID        int64  `json:"subscription_id"`
	GatewaySubscriptionID string `json:"gateway_subscription_id"`
}

type OpsAlertPayload struct {
	Subject string            `json:"subject"`
	Detail  string            `json:"detail"`
	Fields  map[string]string `json:"fields,omitempty"`
}

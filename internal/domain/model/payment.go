package model

import (
	"time"

	"gorm.io/datatypes"
)

// 決済試行ごとに1行（注文ごとではない）。
// gateway_payment_idがそのまま冪等キーになる。
type Payment struct {
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	// order か subscription のどちらかに紐づく
	OrderID          *int64         `gorm:"index;check:chk_payments_owner,order_id IS NOT NULL OR subscription_id IS NOT NULL" json:"order_id,omitempty"`
	SubscriptionID   *int64         `gorm:"index" json:"subscription_id,omitempty"`
	GatewayPaymentID string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"gateway_payment_id"`
	GatewayOrderID   string         `gorm:"type:varchar(64);index" json:"gateway_order_id"`
	Amount           int64          `gorm:"not null;check:chk_payments_amount,amount >= 0" json:"amount"`
	Status           PaymentStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	Method           string         `gorm:"type:varchar(30)" json:"method"`
	FailureReason    string         `gorm:"type:text" json:"failure_reason,omitempty"`
	Raw              datatypes.JSON `gorm:"type:jsonb" json:"-"`
	CreatedAt        time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

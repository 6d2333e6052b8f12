package model

import "time"

type Order struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNumber string `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_number"`
	UserID      int64  `gorm:"not null;index;uniqueIndex:ux_orders_user_idempotency" json:"user_id"`
	AddressID   int64  `gorm:"not null" json:"address_id"`

	// 定期便から作られた注文だけ埋まる
	SubscriptionID *int64     `gorm:"index" json:"subscription_id,omitempty"`
	DeliveryDate   *time.Time `gorm:"type:date" json:"delivery_date,omitempty"`

	OrderStatus   OrderStatus   `gorm:"type:varchar(20);not null;index" json:"order_status"`
	PaymentStatus PaymentStatus `gorm:"type:varchar(20);not null;index" json:"payment_status"`

	//金額は作成時に確定。final = total - discount
	TotalAmount    int64 `gorm:"not null;check:chk_orders_total,total_amount >= 0" json:"total_amount"`
	DiscountAmount int64 `gorm:"not null;default:0;check:chk_orders_discount,discount_amount >= 0 AND discount_amount <= total_amount" json:"discount_amount"`
	FinalAmount    int64 `gorm:"not null;check:chk_orders_final,final_amount = total_amount - discount_amount" json:"final_amount"`

	GatewayOrderID *string   `gorm:"type:varchar(64);uniqueIndex" json:"gateway_order_id,omitempty"`
	IdempotencyKey string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_orders_user_idempotency" json:"-"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// 金額計算。割引は合計を超えない。
func ComputeAmounts(total, discount int64) (int64, int64, int64) {
	if discount < 0 {
		discount = 0
	}
	if discount > total {
		discount = total
	}
	return total, discount, total - discount
}

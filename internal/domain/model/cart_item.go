package model

import "time"

// カートの明細
// 追加時点の価格（unit_price_snapshot）を必ず保存。後から商品価格が変わっても影響しない。
type CartItem struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CartID            int64     `gorm:"not null;index;uniqueIndex:ux_cart_items_cart_product" json:"cart_id"`
	ProductID         int64     `gorm:"not null;index;uniqueIndex:ux_cart_items_cart_product" json:"product_id"`
	Quantity          int64     `gorm:"not null;check:chk_cart_items_quantity,quantity > 0" json:"quantity"`
	UnitPriceSnapshot int64     `gorm:"not null;column:unit_price_snapshot" json:"unit_price_snapshot"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

package repository

import (
	"context"

	"settlement/internal/domain/model"
)

// カート明細の追加・変更はカートAPI側。注文作成では読むだけ。
type CartItemRepository interface {
	ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error)
}

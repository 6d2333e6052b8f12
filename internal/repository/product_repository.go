package repository

import (
	"context"
	"errors"
	"settlement/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// 条件付き更新で対象行が期待した状態になかった（別のtxが先に変更した）
var ErrConflict = errors.New("conflict")

// ユニーク制約違反（冪等キー・gateway_payment_idの同時挿入）
var ErrDuplicate = errors.New("duplicate")

// 商品の永続化。価格の変更はここだけ。
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (model.Product, error)

	// 行ロック（SELECT ... FOR UPDATE）。デッドロック回避のためID昇順で取る。
	LockByIDs(ctx context.Context, ids []int64) ([]model.Product, error)

	UpdatePrice(ctx context.Context, id int64, price int64) error
}

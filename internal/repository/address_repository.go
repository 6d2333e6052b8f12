package repository

import (
	"context"
	"settlement/internal/domain/model"
)

// 住所(Address)の参照窓口
type AddressRepository interface {
	//住所IDから住所を1件取得
	FindByID(ctx context.Context, addressID int64) (model.Address, error)
}

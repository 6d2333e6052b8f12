package usecase

import (
	"context"
	"net/http"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// 管理者の在庫調整・価格変更。どちらも監査ログと同じtxで書く。
type ProductUsecase struct {
	tx  repo.TransactionManager
	now func() time.Time
}

// DI
func NewProductUsecase(tx repo.TransactionManager) *ProductUsecase {
	return &ProductUsecase{tx: tx, now: time.Now}
}

type AdjustStockInput struct {
	Delta  int64
	Reason string
}

type StockOutput struct {
	ProductID int64 `json:"product_id"`
	Before    int64 `json:"before"`
	After     int64 `json:"after"`
}

// 在庫を差分で調整する（入荷は+、棚卸し補正は-）
func (u *ProductUsecase) AdminAdjustStock(ctx context.Context, adminUserID int64, productID int64, in AdjustStockInput) (StockOutput, error) {
	if adminUserID <= 0 {
		return StockOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if productID <= 0 {
		return StockOutput{}, NewHTTPError(http.StatusBadRequest, "invalid product id")
	}
	if in.Delta == 0 {
		return StockOutput{}, apperr.Validation("delta", "must not be 0")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return StockOutput{}, apperr.Validation("reason", "required")
	}
	if len(reason) > 255 {
		return StockOutput{}, apperr.Validation("reason", "too long")
	}

	var out StockOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		//変更前の在庫（before）をロックして読む
		locked, err := r.Products().LockByIDs(ctx, []int64{productID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return apperr.ErrNotFound
		}
		p := locked[0]

		newStock := p.Stock + in.Delta
		if newStock < 0 {
			return apperr.Validation("delta", "stock would become negative")
		}

		//在庫の現在値を更新
		if err := r.Inventory().SetStock(ctx, productID, newStock); err != nil {
			return notFoundAs(err)
		}

		now := u.now()
		//履歴を作成（差分）
		if err := r.Inventory().CreateAdjustment(ctx, model.InventoryAdjustment{
			ProductID:   productID,
			AdminUserID: adminUserID,
			Delta:       in.Delta,
			StockBefore: p.Stock,
			StockAfter:  newStock,
			Reason:      reason,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		//監査ログ（在庫更新）
		if err := writeAudit(ctx, r.AuditLogs(), model.AdminActor(adminUserID), model.AuditActionUpdateStock, model.AuditResourceProduct, productID,
			map[string]any{"stock": p.Stock}, map[string]any{"stock": newStock, "reason": reason}, now); err != nil {
			return err
		}

		out = StockOutput{ProductID: productID, Before: p.Stock, After: newStock}
		return nil
	})
	if err != nil {
		return StockOutput{}, err
	}
	return out, nil
}

type PriceOutput struct {
	ProductID int64 `json:"product_id"`
	Before    int64 `json:"before"`
	After     int64 `json:"after"`
}

// 価格変更。カート・注文のスナップショットには触らない。
func (u *ProductUsecase) AdminUpdatePrice(ctx context.Context, adminUserID int64, productID int64, price int64) (PriceOutput, error) {
	if adminUserID <= 0 {
		return PriceOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if productID <= 0 {
		return PriceOutput{}, NewHTTPError(http.StatusBadRequest, "invalid product id")
	}
	if price < 0 {
		return PriceOutput{}, apperr.Validation("price", "must be >= 0")
	}

	var out PriceOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		locked, err := r.Products().LockByIDs(ctx, []int64{productID})
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return apperr.ErrNotFound
		}
		before := locked[0].Price

		if before == price {
			out = PriceOutput{ProductID: productID, Before: before, After: price}
			return nil
		}
		if err := r.Products().UpdatePrice(ctx, productID, price); err != nil {
			return notFoundAs(err)
		}
		if err := writeAudit(ctx, r.AuditLogs(), model.AdminActor(adminUserID), model.AuditActionUpdatePrice, model.AuditResourceProduct, productID,
			map[string]any{"price": before}, map[string]any{"price": price}, u.now()); err != nil {
			return err
		}
		out = PriceOutput{ProductID: productID, Before: before, After: price}
		return nil
	})
	if err != nil {
		return PriceOutput{}, err
	}
	return out, nil
}

package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// 在庫引当の1行
type StockLine struct {
	ProductID int64
	Quantity  int64
}

// 在庫の引当・戻し。呼び出し元のtxの中で使う。
// 行ロックはID昇順で取るので、同じ商品を含む注文同士でデッドロックしない。
type StockReservation struct {
	now func() time.Time
}

func NewStockReservation() *StockReservation {
	return &StockReservation{now: time.Now}
}

type stockAudit struct {
	Stock int64  `json:"stock"`
	Ref   string `json:"ref,omitempty"`
}

// 同じ商品の行はまとめる（最初に出てきた順を保つ）
func aggregateLines(lines []StockLine) ([]int64, map[int64]int64) {
	order := make([]int64, 0, len(lines))
	qty := make(map[int64]int64, len(lines))
	for _, l := range lines {
		if _, ok := qty[l.ProductID]; !ok {
			order = append(order, l.ProductID)
		}
		qty[l.ProductID] += l.Quantity
	}
	return order, qty
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reserve は全行を検証してから減算する。足りない行があれば何も減らさずに
// InsufficientStockError（入力順で最初の不足行）を返す。
// 戻り値はロック時点の商品（名前のスナップショット用）。
func (s *StockReservation) Reserve(ctx context.Context, r repo.TxRepos, lines []StockLine, actor model.Actor, ref string) (map[int64]model.Product, error) {
	if len(lines) == 0 {
		return nil, apperr.Validation("items", "empty")
	}
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, apperr.Validation("product_id", "invalid")
		}
		if l.Quantity <= 0 {
			return nil, apperr.Validation("quantity", fmt.Sprintf("product %d: must be > 0", l.ProductID))
		}
	}

	order, qty := aggregateLines(lines)
	ids := sortedIDs(order)

	locked, err := r.Products().LockByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	products := make(map[int64]model.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}

	//入力順に検証
	for _, id := range order {
		p, ok := products[id]
		if !ok || !p.IsActive {
			return nil, apperr.Validation("product_id", fmt.Sprintf("product %d is not available", id))
		}
		if p.Stock < qty[id] {
			return nil, &apperr.InsufficientStockError{ProductID: id, Requested: qty[id], Available: p.Stock}
		}
	}

	now := s.now()
	for _, id := range ids {
		p := products[id]
		ok, err := r.Inventory().DecreaseStockIfEnough(ctx, id, qty[id])
		if err != nil {
			return nil, err
		}
		if !ok {
			//ロック中なのでここには来ないはず
			return nil, &apperr.InsufficientStockError{ProductID: id, Requested: qty[id], Available: p.Stock}
		}
		if err := writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionReserveStock, model.AuditResourceProduct, id,
			stockAudit{Stock: p.Stock, Ref: ref}, stockAudit{Stock: p.Stock - qty[id], Ref: ref}, now); err != nil {
			return nil, err
		}
	}
	return products, nil
}

// Release はキャンセル・返金（出荷前）の在庫戻し
func (s *StockReservation) Release(ctx context.Context, r repo.TxRepos, items []model.OrderItem, actor model.Actor, ref string) error {
	if len(items) == 0 {
		return nil
	}
	lines := make([]StockLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, StockLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	order, qty := aggregateLines(lines)
	ids := sortedIDs(order)

	locked, err := r.Products().LockByIDs(ctx, ids)
	if err != nil {
		return err
	}
	before := make(map[int64]int64, len(locked))
	for _, p := range locked {
		before[p.ID] = p.Stock
	}

	now := s.now()
	for _, id := range ids {
		//論理削除済みの商品には戻さない
		if _, ok := before[id]; !ok {
			continue
		}
		if err := r.Inventory().IncreaseStock(ctx, id, qty[id]); err != nil {
			return err
		}
		if err := writeAudit(ctx, r.AuditLogs(), actor, model.AuditActionReleaseStock, model.AuditResourceProduct, id,
			stockAudit{Stock: before[id], Ref: ref}, stockAudit{Stock: before[id] + qty[id], Ref: ref}, now); err != nil {
			return err
		}
	}
	return nil
}

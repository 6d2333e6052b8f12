package usecase

import (
	"context"
	"strconv"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"

	"github.com/segmentio/ksuid"
)

type orderLine struct {
	ProductID int64
	Quantity  int64
	UnitPrice int64
}

// 注文作成の入力。カートからでも定期便からでも同じ形にする。
type orderDraft struct {
	UserID          int64
	AddressID       int64
	SubscriptionID  *int64
	DeliveryDate    *time.Time
	IdempotencyKey  string
	Lines           []orderLine
	DiscountPercent int64
	Actor           model.Actor
}

type orderCreatedAudit struct {
	OrderNumber string `json:"order_number"`
	FinalAmount int64  `json:"final_amount"`
	Items       int    `json:"items"`
	Source      string `json:"source"`
}

// 注文作成の共通経路（チェックアウト・定期便・subscription.charged）
type checkout struct {
	stock  *StockReservation
	outbox Outbox
	now    func() time.Time
}

func newOrderNumber() string {
	return "ORD-" + ksuid.New().String()
}

// 呼び出し元のtxの中で、在庫引当・注文・明細・監査ログ・通知までを作る。
// 在庫不足は何も書かずに InsufficientStockError を返す。
func (c *checkout) create(ctx context.Context, r repo.TxRepos, d orderDraft) (model.Order, []model.OrderItem, error) {
	addr, err := r.Addresses().FindByID(ctx, d.AddressID)
	if err != nil {
		return model.Order{}, nil, notFoundAs(err)
	}
	if addr.UserID != d.UserID {
		return model.Order{}, nil, apperr.ErrForbidden
	}

	number := newOrderNumber()

	lines := make([]StockLine, 0, len(d.Lines))
	for _, l := range d.Lines {
		lines = append(lines, StockLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	products, err := c.stock.Reserve(ctx, r, lines, d.Actor, number)
	if err != nil {
		return model.Order{}, nil, err
	}

	now := c.now()
	items := make([]model.OrderItem, 0, len(d.Lines))
	var total int64
	for _, l := range d.Lines {
		//スナップショット
		items = append(items, model.OrderItem{
			ProductID:           l.ProductID,
			ProductNameSnapshot: products[l.ProductID].Name,
			UnitPriceSnapshot:   l.UnitPrice,
			Quantity:            l.Quantity,
			CreatedAt:           now,
		})
		total += l.UnitPrice * l.Quantity
	}
	total, discount, final := model.ComputeAmounts(total, total*d.DiscountPercent/100)

	o := model.Order{
		OrderNumber:    number,
		UserID:         d.UserID,
		AddressID:      d.AddressID,
		SubscriptionID: d.SubscriptionID,
		DeliveryDate:   d.DeliveryDate,
		OrderStatus:    model.OrderStatusPending,
		PaymentStatus:  model.PaymentStatusPending,
		TotalAmount:    total,
		DiscountAmount: discount,
		FinalAmount:    final,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := r.Orders().Create(ctx, o)
	if err != nil {
		return model.Order{}, nil, err
	}
	o.ID = id

	//注文明細一括作成
	if err := r.OrderItems().CreateBulk(ctx, id, items); err != nil {
		return model.Order{}, nil, err
	}

	source := "checkout"
	if d.SubscriptionID != nil {
		source = "subscription"
	}
	if err := writeAudit(ctx, r.AuditLogs(), d.Actor, model.AuditActionCreateOrder, model.AuditResourceOrder, id,
		nil, orderCreatedAudit{OrderNumber: number, FinalAmount: final, Items: len(items), Source: source}, now); err != nil {
		return model.Order{}, nil, err
	}

	if err := c.outbox.Notify(ctx, r.Tasks(), d.UserID, d.AddressID, TemplateOrderPlaced, map[string]string{
		"order_number": number,
		"final_amount": strconv.FormatInt(final, 10),
	}, false); err != nil {
		return model.Order{}, nil, err
	}
	return o, items, nil
}

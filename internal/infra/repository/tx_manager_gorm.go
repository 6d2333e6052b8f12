package repository

import (
	"context"

	repo "settlement/internal/repository"

	"gorm.io/gorm"
)

type txReposGorm struct {
	orders        repo.OrderRepository
	orderItems    repo.OrderItemRepository
	carts         repo.CartRepository
	cartItems     repo.CartItemRepository
	inventory     repo.InventoryRepository
	products      repo.ProductRepository
	payments      repo.PaymentRepository
	subscriptions repo.SubscriptionRepository
	webhookEvents repo.WebhookEventRepository
	auditLogs     repo.AuditLogRepository
	tasks         repo.TaskRepository
	addresses     repo.AddressRepository
	users         repo.UserRepository
}

func (r *txReposGorm) Orders() repo.OrderRepository               { return r.orders }
func (r *txReposGorm) OrderItems() repo.OrderItemRepository       { return r.orderItems }
func (r *txReposGorm) Carts() repo.CartRepository                 { return r.carts }
func (r *txReposGorm) CartItems() repo.CartItemRepository         { return r.cartItems }
func (r *txReposGorm) Inventory() repo.InventoryRepository        { return r.inventory }
func (r *txReposGorm) Products() repo.ProductRepository           { return r.products }
func (r *txReposGorm) Payments() repo.PaymentRepository           { return r.payments }
func (r *txReposGorm) Subscriptions() repo.SubscriptionRepository { return r.subscriptions }
func (r *txReposGorm) WebhookEvents() repo.WebhookEventRepository { return r.webhookEvents }
func (r *txReposGorm) AuditLogs() repo.AuditLogRepository         { return r.auditLogs }
func (r *txReposGorm) Tasks() repo.TaskRepository                 { return r.tasks }
func (r *txReposGorm) Addresses() repo.AddressRepository          { return r.addresses }
func (r *txReposGorm) Users() repo.UserRepository                 { return r.users }

type TxManagerGorm struct {
	db *gorm.DB
}

func NewTxManagerGorm(db *gorm.DB) *TxManagerGorm {
	return &TxManagerGorm{db: db}
}

// fnのエラー（commit失敗も含む）はclassifyを通す。デッドロック等は呼び出し側でリトライできる。
func (tm *TxManagerGorm) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	err := tm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		//repoはtxを持ったDBで作り直す
		r := &txReposGorm{
			orders:        NewOrderGormRepository(tx),
			orderItems:    NewOrderItemGormRepository(tx),
			carts:         NewCartGormRepository(tx),
			cartItems:     NewCartGormRepository(tx),
			inventory:     NewInventoryGormRepository(tx),
			products:      NewProductGormRepository(tx),
			payments:      NewPaymentGormRepository(tx),
			subscriptions: NewSubscriptionGormRepository(tx),
			webhookEvents: NewWebhookEventGormRepository(tx),
			auditLogs:     NewAuditLogGormRepository(tx),
			tasks:         NewTaskGormRepository(tx),
			addresses:     NewAddressGormRepository(tx),
			users:         NewUserGormRepository(tx),
		}
		return fn(r)
	})
	return classify(err)
}

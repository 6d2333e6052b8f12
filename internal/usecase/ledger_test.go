package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// =====================
// インメモリのLedger（TxRepos一式）
// WithinTx は全体ロックを取り、失敗したらスナップショットに戻す。
// =====================

type ledgerState struct {
	nextID      int64
	products    map[int64]model.Product
	orders      map[int64]model.Order
	orderItems  map[int64][]model.OrderItem
	carts       map[int64]model.Cart
	cartItems   map[int64][]model.CartItem
	addresses   map[int64]model.Address
	users       map[int64]model.User
	payments    map[int64]model.Payment
	subs        map[int64]model.Subscription
	events      map[string]model.WebhookEvent
	audits      []model.AuditLog
	tasks       []model.Task
	adjustments []model.InventoryAdjustment
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		nextID:     1000,
		products:   map[int64]model.Product{},
		orders:     map[int64]model.Order{},
		orderItems: map[int64][]model.OrderItem{},
		carts:      map[int64]model.Cart{},
		cartItems:  map[int64][]model.CartItem{},
		addresses:  map[int64]model.Address{},
		users:      map[int64]model.User{},
		payments:   map[int64]model.Payment{},
		subs:       map[int64]model.Subscription{},
		events:     map[string]model.WebhookEvent{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSliceMap[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}

func (s *ledgerState) clone() *ledgerState {
	return &ledgerState{
		nextID:      s.nextID,
		products:    cloneMap(s.products),
		orders:      cloneMap(s.orders),
		orderItems:  cloneSliceMap(s.orderItems),
		carts:       cloneMap(s.carts),
		cartItems:   cloneSliceMap(s.cartItems),
		addresses:   cloneMap(s.addresses),
		users:       cloneMap(s.users),
		payments:    cloneMap(s.payments),
		subs:        cloneMap(s.subs),
		events:      cloneMap(s.events),
		audits:      append([]model.AuditLog(nil), s.audits...),
		tasks:       append([]model.Task(nil), s.tasks...),
		adjustments: append([]model.InventoryAdjustment(nil), s.adjustments...),
	}
}

func (s *ledgerState) id() int64 {
	s.nextID++
	return s.nextID
}

type fakeLedger struct {
	mu sync.Mutex
	st *ledgerState

	// 監査ログ書き込みを失敗させる（action が空なら全部）
	auditErr    error
	auditErrFor model.AuditAction
	// タスク登録を失敗させる
	taskErr error
	commits int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{st: newLedgerState()}
}

func (f *fakeLedger) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := f.st.clone()
	if err := fn(fakeTx{f: f}); err != nil {
		f.st = snap
		return err
	}
	f.commits++
	return nil
}

// テストから状態を読む・準備する
func (f *fakeLedger) read(fn func(s *ledgerState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.st)
}

func (f *fakeLedger) product(id int64) model.Product {
	var p model.Product
	f.read(func(s *ledgerState) { p = s.products[id] })
	return p
}

func (f *fakeLedger) order(id int64) model.Order {
	var o model.Order
	f.read(func(s *ledgerState) { o = s.orders[id] })
	return o
}

func (f *fakeLedger) subscription(id int64) model.Subscription {
	var sub model.Subscription
	f.read(func(s *ledgerState) { sub = s.subs[id] })
	return sub
}

func (f *fakeLedger) auditActions() []model.AuditAction {
	var out []model.AuditAction
	f.read(func(s *ledgerState) {
		for _, a := range s.audits {
			out = append(out, a.Action)
		}
	})
	return out
}

func (f *fakeLedger) tasksOf(kind model.TaskKind) []model.Task {
	var out []model.Task
	f.read(func(s *ledgerState) {
		for _, t := range s.tasks {
			if t.Kind == kind {
				out = append(out, t)
			}
		}
	})
	return out
}

func (f *fakeLedger) paymentsOf(orderID int64) []model.Payment {
	var out []model.Payment
	f.read(func(s *ledgerState) {
		for _, p := range s.payments {
			if p.OrderID != nil && *p.OrderID == orderID {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---- seed helpers ----

func (f *fakeLedger) addUser(id int64, email, phone string) {
	f.read(func(s *ledgerState) {
		s.users[id] = model.User{ID: id, Email: email, Phone: phone, Role: model.RoleUser, IsActive: true}
	})
}

func (f *fakeLedger) addAddress(id, userID int64, phone string) {
	f.read(func(s *ledgerState) {
		s.addresses[id] = model.Address{ID: id, UserID: userID, Name: "Asha", Phone: phone, City: "Pune"}
	})
}

func (f *fakeLedger) addProduct(id int64, name string, price, stock int64) {
	f.read(func(s *ledgerState) {
		s.products[id] = model.Product{ID: id, Name: name, Price: price, Stock: stock, IsActive: true}
	})
}

func (f *fakeLedger) addCart(cartID, userID int64, items ...model.CartItem) {
	f.read(func(s *ledgerState) {
		s.carts[cartID] = model.Cart{ID: cartID, UserID: userID, Status: model.CartStatusActive}
		for i := range items {
			items[i].CartID = cartID
			items[i].ID = s.id()
		}
		s.cartItems[cartID] = items
	})
}

func (f *fakeLedger) addSubscription(sub model.Subscription) {
	f.read(func(s *ledgerState) { s.subs[sub.ID] = sub })
}

type fakeTx struct{ f *fakeLedger }

func (t fakeTx) Orders() repo.OrderRepository               { return fakeOrders(t) }
func (t fakeTx) OrderItems() repo.OrderItemRepository       { return fakeOrderItems(t) }
func (t fakeTx) Carts() repo.CartRepository                 { return fakeCarts(t) }
func (t fakeTx) CartItems() repo.CartItemRepository         { return fakeCartItems(t) }
func (t fakeTx) Inventory() repo.InventoryRepository        { return fakeInventory(t) }
func (t fakeTx) Products() repo.ProductRepository           { return fakeProducts(t) }
func (t fakeTx) Payments() repo.PaymentRepository           { return fakePayments(t) }
func (t fakeTx) Subscriptions() repo.SubscriptionRepository { return fakeSubs(t) }
func (t fakeTx) WebhookEvents() repo.WebhookEventRepository { return fakeEvents(t) }
func (t fakeTx) AuditLogs() repo.AuditLogRepository         { return fakeAudits(t) }
func (t fakeTx) Tasks() repo.TaskRepository                 { return fakeTasks(t) }
func (t fakeTx) Addresses() repo.AddressRepository          { return fakeAddresses(t) }
func (t fakeTx) Users() repo.UserRepository                 { return fakeUsers(t) }

// ---- orders ----

type fakeOrders fakeTx

func (r fakeOrders) st() *ledgerState { return r.f.st }

func (r fakeOrders) FindByID(_ context.Context, id int64) (model.Order, error) {
	o, ok := r.st().orders[id]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (r fakeOrders) FindByIDForUpdate(ctx context.Context, id int64) (model.Order, error) {
	return r.FindByID(ctx, id)
}

func (r fakeOrders) FindByGatewayOrderIDForUpdate(_ context.Context, gid string) (model.Order, error) {
	for _, o := range r.st().orders {
		if o.GatewayOrderID != nil && *o.GatewayOrderID == gid {
			return o, nil
		}
	}
	return model.Order{}, repo.ErrNotFound
}

func (r fakeOrders) sorted(match func(model.Order) bool) []model.Order {
	var out []model.Order
	for _, o := range r.st().orders {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func page[T any](list []T, p, limit int) []T {
	start := (p - 1) * limit
	if start >= len(list) {
		return []T{}
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	return list[start:end]
}

func (r fakeOrders) ListByUserID(_ context.Context, userID int64, p, limit int) ([]model.Order, int64, error) {
	all := r.sorted(func(o model.Order) bool { return o.UserID == userID })
	return page(all, p, limit), int64(len(all)), nil
}

func (r fakeOrders) Create(_ context.Context, o model.Order) (int64, error) {
	for _, e := range r.st().orders {
		if e.UserID == o.UserID && e.IdempotencyKey == o.IdempotencyKey {
			return 0, repo.ErrDuplicate
		}
		if e.OrderNumber == o.OrderNumber {
			return 0, repo.ErrDuplicate
		}
	}
	o.ID = r.st().id()
	r.st().orders[o.ID] = o
	return o.ID, nil
}

func (r fakeOrders) UpdateStatus(_ context.Context, id int64, from, to model.OrderStatus) error {
	o, ok := r.st().orders[id]
	if !ok || o.OrderStatus != from {
		return repo.ErrConflict
	}
	o.OrderStatus = to
	r.st().orders[id] = o
	return nil
}

func (r fakeOrders) UpdatePaymentStatus(_ context.Context, id int64, status model.PaymentStatus) error {
	o, ok := r.st().orders[id]
	if !ok {
		return repo.ErrNotFound
	}
	o.PaymentStatus = status
	r.st().orders[id] = o
	return nil
}

func (r fakeOrders) SetGatewayOrderID(_ context.Context, id int64, gid string) error {
	o, ok := r.st().orders[id]
	if !ok {
		return repo.ErrNotFound
	}
	o.GatewayOrderID = &gid
	r.st().orders[id] = o
	return nil
}

func (r fakeOrders) FindByIdempotencyKey(_ context.Context, userID int64, key string) (model.Order, bool, error) {
	for _, o := range r.st().orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return o, true, nil
		}
	}
	return model.Order{}, false, nil
}

func (r fakeOrders) ListAdmin(_ context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	all := r.sorted(func(o model.Order) bool {
		if f.Status != "" && string(o.OrderStatus) != f.Status {
			return false
		}
		if f.UserID != nil && o.UserID != *f.UserID {
			return false
		}
		return true
	})
	return page(all, f.Page, f.Limit), int64(len(all)), nil
}

// ---- order items ----

type fakeOrderItems fakeTx

func (r fakeOrderItems) CreateBulk(_ context.Context, orderID int64, items []model.OrderItem) error {
	st := r.f.st
	for _, it := range items {
		it.ID = st.id()
		it.OrderID = orderID
		st.orderItems[orderID] = append(st.orderItems[orderID], it)
	}
	return nil
}

func (r fakeOrderItems) ListByOrderID(_ context.Context, orderID int64) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), r.f.st.orderItems[orderID]...), nil
}

// ---- carts ----

type fakeCarts fakeTx

func (r fakeCarts) FindActiveByUserID(_ context.Context, userID int64) (model.Cart, error) {
	for _, c := range r.f.st.carts {
		if c.UserID == userID && c.Status == model.CartStatusActive {
			return c, nil
		}
	}
	return model.Cart{}, repo.ErrNotFound
}

func (r fakeCarts) UpdateStatus(_ context.Context, cartID int64, status model.CartStatus) error {
	c, ok := r.f.st.carts[cartID]
	if !ok {
		return repo.ErrNotFound
	}
	c.Status = status
	r.f.st.carts[cartID] = c
	return nil
}

func (r fakeCarts) Clear(_ context.Context, cartID int64) error {
	delete(r.f.st.cartItems, cartID)
	return nil
}

type fakeCartItems fakeTx

func (r fakeCartItems) ListByCartID(_ context.Context, cartID int64) ([]model.CartItem, error) {
	return append([]model.CartItem(nil), r.f.st.cartItems[cartID]...), nil
}

// ---- inventory / products ----

type fakeInventory fakeTx

func (r fakeInventory) SetStock(_ context.Context, id int64, stock int64) error {
	p, ok := r.f.st.products[id]
	if !ok {
		return repo.ErrNotFound
	}
	p.Stock = stock
	r.f.st.products[id] = p
	return nil
}

func (r fakeInventory) DecreaseStockIfEnough(_ context.Context, id int64, qty int64) (bool, error) {
	p, ok := r.f.st.products[id]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	r.f.st.products[id] = p
	return true, nil
}

func (r fakeInventory) IncreaseStock(_ context.Context, id int64, qty int64) error {
	p, ok := r.f.st.products[id]
	if !ok {
		return repo.ErrNotFound
	}
	p.Stock += qty
	r.f.st.products[id] = p
	return nil
}

func (r fakeInventory) CreateAdjustment(_ context.Context, adj model.InventoryAdjustment) error {
	adj.ID = r.f.st.id()
	r.f.st.adjustments = append(r.f.st.adjustments, adj)
	return nil
}

type fakeProducts fakeTx

func (r fakeProducts) FindByID(_ context.Context, id int64) (model.Product, error) {
	p, ok := r.f.st.products[id]
	if !ok || p.DeletedAt.Valid {
		return model.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (r fakeProducts) LockByIDs(_ context.Context, ids []int64) ([]model.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []model.Product
	for _, id := range sorted {
		if p, ok := r.f.st.products[id]; ok && !p.DeletedAt.Valid {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r fakeProducts) UpdatePrice(_ context.Context, id int64, price int64) error {
	p, ok := r.f.st.products[id]
	if !ok {
		return repo.ErrNotFound
	}
	p.Price = price
	r.f.st.products[id] = p
	return nil
}

// ---- payments ----

type fakePayments fakeTx

func (r fakePayments) Create(_ context.Context, p model.Payment) (int64, error) {
	for _, e := range r.f.st.payments {
		if e.GatewayPaymentID == p.GatewayPaymentID {
			return 0, repo.ErrDuplicate
		}
	}
	p.ID = r.f.st.id()
	r.f.st.payments[p.ID] = p
	return p.ID, nil
}

func (r fakePayments) FindByGatewayPaymentID(_ context.Context, gid string) (model.Payment, bool, error) {
	for _, p := range r.f.st.payments {
		if p.GatewayPaymentID == gid {
			return p, true, nil
		}
	}
	return model.Payment{}, false, nil
}

func (r fakePayments) UpdateStatus(_ context.Context, id int64, status model.PaymentStatus, reason string) error {
	p, ok := r.f.st.payments[id]
	if !ok {
		return repo.ErrNotFound
	}
	p.Status = status
	p.FailureReason = reason
	r.f.st.payments[id] = p
	return nil
}

func (r fakePayments) ListByOrderID(_ context.Context, orderID int64) ([]model.Payment, error) {
	var out []model.Payment
	for _, p := range r.f.st.payments {
		if p.OrderID != nil && *p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- subscriptions ----

type fakeSubs fakeTx

func (r fakeSubs) Create(_ context.Context, s model.Subscription) (int64, error) {
	s.ID = r.f.st.id()
	r.f.st.subs[s.ID] = s
	return s.ID, nil
}

func (r fakeSubs) FindByID(_ context.Context, id int64) (model.Subscription, error) {
	s, ok := r.f.st.subs[id]
	if !ok {
		return model.Subscription{}, repo.ErrNotFound
	}
	return s, nil
}

func (r fakeSubs) FindByIDForUpdate(ctx context.Context, id int64) (model.Subscription, error) {
	return r.FindByID(ctx, id)
}

func (r fakeSubs) FindByGatewayIDForUpdate(_ context.Context, gid string) (model.Subscription, error) {
	for _, s := range r.f.st.subs {
		if s.GatewaySubscriptionID != nil && *s.GatewaySubscriptionID == gid {
			return s, nil
		}
	}
	return model.Subscription{}, repo.ErrNotFound
}

func (r fakeSubs) ListByUserID(_ context.Context, userID int64) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, s := range r.f.st.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r fakeSubs) ListDueIDs(_ context.Context, runDate time.Time, afterID int64, limit int) ([]int64, error) {
	run := runDate.Format(time.DateOnly)
	var out []int64
	for _, s := range r.f.st.subs {
		if s.Status == model.SubscriptionStatusActive && s.NextDeliveryDate.Format(time.DateOnly) <= run && s.ID > afterID {
			out = append(out, s.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r fakeSubs) UpdateStatus(_ context.Context, id int64, from, to model.SubscriptionStatus, at time.Time) error {
	s, ok := r.f.st.subs[id]
	if !ok || s.Status != from {
		return repo.ErrConflict
	}
	s.Status = to
	if to == model.SubscriptionStatusCancelled {
		s.CancelledAt = &at
	}
	r.f.st.subs[id] = s
	return nil
}

func (r fakeSubs) AdvanceNextDelivery(_ context.Context, id int64, expected, next time.Time) (bool, error) {
	s, ok := r.f.st.subs[id]
	if !ok || s.NextDeliveryDate.Format(time.DateOnly) != expected.Format(time.DateOnly) {
		return false, nil
	}
	s.NextDeliveryDate = next
	r.f.st.subs[id] = s
	return true, nil
}

func (r fakeSubs) SetNextDelivery(_ context.Context, id int64, next time.Time) error {
	s, ok := r.f.st.subs[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.NextDeliveryDate = next
	r.f.st.subs[id] = s
	return nil
}

func (r fakeSubs) SetGatewayRefs(_ context.Context, id int64, gid, customerID, tokenID string) error {
	s, ok := r.f.st.subs[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.GatewaySubscriptionID = &gid
	s.GatewayCustomerID = customerID
	s.GatewayTokenID = tokenID
	r.f.st.subs[id] = s
	return nil
}

// ---- webhook events ----

type fakeEvents fakeTx

func (r fakeEvents) InsertIfAbsent(_ context.Context, ev *model.WebhookEvent) (bool, error) {
	key := ev.Gateway + "|" + ev.EventID
	if _, ok := r.f.st.events[key]; ok {
		return false, nil
	}
	ev.ID = r.f.st.id()
	r.f.st.events[key] = *ev
	return true, nil
}

func (r fakeEvents) MarkApplied(_ context.Context, id int64, outcome string, at time.Time) error {
	for k, ev := range r.f.st.events {
		if ev.ID == id {
			ev.Status = model.WebhookEventApplied
			ev.Outcome = outcome
			ev.ProcessedAt = &at
			r.f.st.events[k] = ev
			return nil
		}
	}
	return repo.ErrNotFound
}

// ---- audit / tasks ----

type fakeAudits fakeTx

func (r fakeAudits) Create(_ context.Context, log model.AuditLog) error {
	if r.f.auditErr != nil && (r.f.auditErrFor == "" || r.f.auditErrFor == log.Action) {
		return r.f.auditErr
	}
	log.ID = r.f.st.id()
	r.f.st.audits = append(r.f.st.audits, log)
	return nil
}

func (r fakeAudits) List(_ context.Context, f repo.AuditLogFilter) ([]model.AuditLog, error) {
	var out []model.AuditLog
	for _, a := range r.f.st.audits {
		if f.Action != nil && a.Action != *f.Action {
			continue
		}
		if f.ResourceID != nil && a.ResourceID != *f.ResourceID {
			continue
		}
		out = append(out, a)
	}
	if f.Offset >= len(out) {
		return []model.AuditLog{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type fakeTasks fakeTx

func (r fakeTasks) Enqueue(_ context.Context, kind model.TaskKind, payload any, maxAttempts int, availableAt time.Time) error {
	if r.f.taskErr != nil {
		return r.f.taskErr
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.f.st.tasks = append(r.f.st.tasks, model.Task{
		ID:          r.f.st.id(),
		Kind:        kind,
		Payload:     b,
		Status:      model.TaskStatusQueued,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
	})
	return nil
}

// ---- addresses / users ----

type fakeAddresses fakeTx

func (r fakeAddresses) FindByID(_ context.Context, id int64) (model.Address, error) {
	a, ok := r.f.st.addresses[id]
	if !ok {
		return model.Address{}, repo.ErrNotFound
	}
	return a, nil
}

type fakeUsers fakeTx

func (r fakeUsers) FindByID(_ context.Context, id int64) (*model.User, error) {
	u, ok := r.f.st.users[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &u, nil
}

func (r fakeUsers) UpdateRole(_ context.Context, id int64, role model.Role) error {
	u, ok := r.f.st.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.Role = role
	u.TokenVersion++
	r.f.st.users[id] = u
	return nil
}

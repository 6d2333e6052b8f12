package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

type OrderUsecase struct {
	tx       repo.TransactionManager
	checkout *checkout
	machine  *OrderStateMachine
	payments *PaymentAdapter
	outbox   Outbox
	logger   *slog.Logger
}

func NewOrderUsecase(tx repo.TransactionManager, stock *StockReservation, machine *OrderStateMachine, payments *PaymentAdapter, outbox Outbox, logger *slog.Logger) *OrderUsecase {
	return &OrderUsecase{
		tx:       tx,
		checkout: &checkout{stock: stock, outbox: outbox, now: time.Now},
		machine:  machine,
		payments: payments,
		outbox:   outbox,
		logger:   logger,
	}
}

type PlaceOrderInput struct {
	AddressID      int64
	IdempotencyKey string
}

type OrderItemOutput struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type PaymentOutput struct {
	ID               int64               `json:"id"`
	GatewayPaymentID string              `json:"gateway_payment_id"`
	Amount           int64               `json:"amount"`
	Status           model.PaymentStatus `json:"status"`
	Method           string              `json:"method,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

type OrderOutput struct {
	ID             int64               `json:"id"`
	OrderNumber    string              `json:"order_number"`
	UserID         int64               `json:"user_id"`
	AddressID      int64               `json:"address_id"`
	SubscriptionID *int64              `json:"subscription_id,omitempty"`
	DeliveryDate   *time.Time          `json:"delivery_date,omitempty"`
	OrderStatus    model.OrderStatus   `json:"order_status"`
	PaymentStatus  model.PaymentStatus `json:"payment_status"`
	TotalAmount    int64               `json:"total_amount"`
	DiscountAmount int64               `json:"discount_amount"`
	FinalAmount    int64               `json:"final_amount"`
	GatewayOrderID string              `json:"gateway_order_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	Items          []OrderItemOutput   `json:"items"`
	Payments       []PaymentOutput     `json:"payments,omitempty"`
	// リモート注文が作れなかったとき（注文自体は作成済み。POST /orders/:id/payment で再試行）
	PaymentError string `json:"payment_error,omitempty"`
}

type OrderListOutput struct {
	Items []OrderOutput `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// カートから注文を作る。同じ冪等キーなら同じ注文を返す。
// コミット後にゲートウェイ側の注文を作り、gateway_order_id を返す。
func (u *OrderUsecase) PlaceOrder(ctx context.Context, userID int64, in PlaceOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.AddressID <= 0 {
		return OrderOutput{}, apperr.Validation("address_id", "invalid")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || len(key) > 255 {
		return OrderOutput{}, apperr.Validation("idempotency_key", "required (max 255)")
	}

	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		// 同じキーなら同じ結果
		existing, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return err
		}
		if found {
			items, err := r.OrderItems().ListByOrderID(ctx, existing.ID)
			if err != nil {
				return err
			}
			out = toOrderOutput(existing, items)
			return nil
		}

		//ACTIVEカート取得
		cart, err := r.Carts().FindActiveByUserID(ctx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.Validation("cart", "empty")
		}
		if err != nil {
			return err
		}
		cartItems, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return err
		}
		if len(cartItems) == 0 {
			return apperr.Validation("cart", "empty")
		}

		//価格はカート追加時のスナップショット
		lines := make([]orderLine, 0, len(cartItems))
		for _, ci := range cartItems {
			lines = append(lines, orderLine{ProductID: ci.ProductID, Quantity: ci.Quantity, UnitPrice: ci.UnitPriceSnapshot})
		}

		o, items, err := u.checkout.create(ctx, r, orderDraft{
			UserID:         userID,
			AddressID:      in.AddressID,
			IdempotencyKey: key,
			Lines:          lines,
			Actor:          model.UserActor(userID),
		})
		if err != nil {
			return err
		}

		//カートをCHECKED_OUTにして、明細をクリア（再注文防止）
		if err := r.Carts().UpdateStatus(ctx, cart.ID, model.CartStatusCheckedOut); err != nil {
			return err
		}
		if err := r.Carts().Clear(ctx, cart.ID); err != nil {
			return err
		}

		out = toOrderOutput(o, items)
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		//同時に同じキーで作られた。先に入った方を返す
		out, err = u.findByIdempotencyKey(ctx, userID, key)
	}
	if err != nil {
		return OrderOutput{}, err
	}

	if out.GatewayOrderID == "" && out.OrderStatus == model.OrderStatusPending {
		ref, err := u.payments.CreateRemoteOrder(ctx, out.ID)
		if err != nil {
			u.logger.Warn("remote order not created",
				slog.Int64("order_id", out.ID),
				slog.String("error", err.Error()),
			)
			_, msg := apperr.StatusOf(err)
			out.PaymentError = msg
			if apperr.IsTransient(err) {
				if aerr := u.outbox.Alert(ctx, u.tasks(), "remote order creation failed", err.Error(), map[string]string{
					"order_number": out.OrderNumber,
				}); aerr != nil {
					u.logger.Error("enqueue ops alert failed",
						slog.Int64("order_id", out.ID),
						slog.String("error", aerr.Error()),
					)
				}
			}
			return out, nil
		}
		out.GatewayOrderID = ref.GatewayOrderID
	}
	return out, nil
}

func (u *OrderUsecase) findByIdempotencyKey(ctx context.Context, userID int64, key string) (OrderOutput, error) {
	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return err
		}
		if !found {
			return apperr.ErrNotFound
		}
		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return err
		}
		out = toOrderOutput(o, items)
		return nil
	})
	return out, err
}

// 運用通知は業務txの外で積む
func (u *OrderUsecase) tasks() repo.TaskRepository {
	return txTaskRepository{tx: u.tx}
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64, page, limit int) (OrderListOutput, error) {
	if userID <= 0 {
		return OrderListOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var out OrderListOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, total, err := r.Orders().ListByUserID(ctx, userID, page, limit)
		if err != nil {
			return err
		}

		items := make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			its, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return err
			}
			items = append(items, toOrderOutput(o, its))
		}
		out = OrderListOutput{Items: items, Total: total, Page: page, Limit: limit}
		return nil
	})
	if err != nil {
		return OrderListOutput{}, err
	}
	return out, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err != nil {
			return notFoundAs(err)
		}
		if o.UserID != userID {
			//他人の注文は「存在しない扱い」にする
			return apperr.ErrNotFound
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		payments, err := r.Payments().ListByOrderID(ctx, orderID)
		if err != nil {
			return err
		}

		out = toOrderOutput(o, items)
		out.Payments = toPaymentOutputs(payments)
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// 支払に失敗した（またはリモート注文が無い）PENDING注文の支払をやり直す
func (u *OrderUsecase) RetryPayment(ctx context.Context, userID int64, orderID int64) (RemoteOrderRef, error) {
	if userID <= 0 {
		return RemoteOrderRef{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return RemoteOrderRef{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var o model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		o, err = r.Orders().FindByID(ctx, orderID)
		return notFoundAs(err)
	})
	if err != nil {
		return RemoteOrderRef{}, err
	}
	if o.UserID != userID {
		return RemoteOrderRef{}, apperr.ErrNotFound
	}
	if o.OrderStatus != model.OrderStatusPending || o.PaymentStatus.IsTerminal() {
		return RemoteOrderRef{}, apperr.Validation("order", "not awaiting payment")
	}
	return u.payments.CreateRemoteOrder(ctx, orderID)
}

// 顧客によるキャンセル（PENDINGのみ。在庫は戻る）
func (u *OrderUsecase) CancelMyOrder(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err != nil {
			return notFoundAs(err)
		}
		if o.UserID != userID {
			return apperr.ErrNotFound
		}
		o, err = u.machine.Transition(ctx, r, orderID, model.OrderStatusCancelled, model.UserActor(userID))
		if err != nil {
			return err
		}
		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		out = toOrderOutput(o, items)
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			Price:     it.UnitPriceSnapshot,
			Quantity:  it.Quantity,
			Subtotal:  it.Subtotal(),
		})
	}

	out := OrderOutput{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		AddressID:      o.AddressID,
		SubscriptionID: o.SubscriptionID,
		DeliveryDate:   o.DeliveryDate,
		OrderStatus:    o.OrderStatus,
		PaymentStatus:  o.PaymentStatus,
		TotalAmount:    o.TotalAmount,
		DiscountAmount: o.DiscountAmount,
		FinalAmount:    o.FinalAmount,
		CreatedAt:      o.CreatedAt,
		Items:          outItems,
	}
	if o.GatewayOrderID != nil {
		out.GatewayOrderID = *o.GatewayOrderID
	}
	return out
}

func toPaymentOutputs(list []model.Payment) []PaymentOutput {
	out := make([]PaymentOutput, 0, len(list))
	for _, p := range list {
		out = append(out, PaymentOutput{
			ID:               p.ID,
			GatewayPaymentID: p.GatewayPaymentID,
			Amount:           p.Amount,
			Status:           p.Status,
			Method:           p.Method,
			FailureReason:    p.FailureReason,
			CreatedAt:        p.CreatedAt,
		})
	}
	return out
}

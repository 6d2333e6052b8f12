package repository

import (
	"context"

	"settlement/internal/domain/model"
)

type PaymentRepository interface {
	Create(ctx context.Context, p model.Payment) (int64, error)
	// gateway_payment_id は冪等キー
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (model.Payment, bool, error)
	UpdateStatus(ctx context.Context, paymentID int64, status model.PaymentStatus, failureReason string) error
	ListByOrderID(ctx context.Context, orderID int64) ([]model.Payment, error)
}

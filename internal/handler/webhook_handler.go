package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/usecase"

	"github.com/labstack/echo/v4"
)

const maxWebhookBody = 1 << 20

// ゲートウェイからのwebhook。署名は生の本文で検証するのでBindしない。
type WebhookHandler struct {
	uc      *usecase.WebhookReconciler
	timeout time.Duration
}

func NewWebhookHandler(uc *usecase.WebhookReconciler, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{uc: uc, timeout: timeout}
}

func (h *WebhookHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/:gateway", h.receive)
}

func (h *WebhookHandler) receive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return badRequest(c, "invalid body")
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "body too large"})
	}

	ctx := c.Request().Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.uc.Handle(ctx, usecase.WebhookInput{
		Gateway:   c.Param("gateway"),
		Body:      body,
		Signature: c.Request().Header.Get("X-Razorpay-Signature"),
		EventID:   c.Request().Header.Get("X-Razorpay-Event-Id"),
	})
	if err != nil {
		var sve *apperr.SignatureVerificationError
		switch {
		case errors.As(err, &sve):
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		case errors.Is(err, apperr.ErrNotFound):
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown gateway"})
		}
		//ゲートウェイに再送させる
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
	return c.JSON(http.StatusOK, res)
}

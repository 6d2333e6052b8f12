package handler

import (
	"context"
	"net/http"

	"settlement/internal/config"
	"settlement/internal/middleware"
	"settlement/internal/repository"
	"settlement/internal/usecase"

	"github.com/labstack/echo/v4"
)

type SubscriptionHandler struct {
	uc *usecase.SubscriptionUsecase
}

func NewSubscriptionHandler(uc *usecase.SubscriptionUsecase) *SubscriptionHandler {
	return &SubscriptionHandler{uc: uc}
}

type SubscriptionCreateRequest struct {
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	AddressID int64  `json:"address_id"`
	Frequency string `json:"plan_frequency"`
	StartDate string `json:"start_date"`
}

func (h *SubscriptionHandler) RegisterRoutes(e *echo.Echo, cfg config.Config, userRepo repository.UserRepository) {
	g := e.Group("/subscriptions")
	g.Use(middleware.AuthJWT(cfg))
	g.Use(middleware.TokenVersionGuard(userRepo))

	g.POST("", h.create)
	g.GET("", h.list)
	g.PUT("/:id/pause", h.pause)
	g.PUT("/:id/resume", h.resume)
	g.DELETE("/:id", h.cancel)
}

func (h *SubscriptionHandler) create(c echo.Context) error {
	actor, ok := currentActor(c)
	if !ok {
		return unauthorized(c)
	}

	var req SubscriptionCreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	out, err := h.uc.Create(c.Request().Context(), actor.UserID, usecase.CreateSubscriptionInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		AddressID: req.AddressID,
		Frequency: req.Frequency,
		StartDate: req.StartDate,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *SubscriptionHandler) list(c echo.Context) error {
	actor, ok := currentActor(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.List(c.Request().Context(), actor.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SubscriptionHandler) pause(c echo.Context) error {
	return h.change(c, h.uc.Pause)
}

func (h *SubscriptionHandler) resume(c echo.Context) error {
	return h.change(c, h.uc.Resume)
}

func (h *SubscriptionHandler) cancel(c echo.Context) error {
	return h.change(c, h.uc.Cancel)
}

type subscriptionChange func(ctx context.Context, userID, subID int64) (usecase.SubscriptionOutput, error)

func (h *SubscriptionHandler) change(c echo.Context, fn subscriptionChange) error {
	actor, ok := currentActor(c)
	if !ok {
		return unauthorized(c)
	}

	id, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}

	out, err := fn(c.Request().Context(), actor.UserID, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

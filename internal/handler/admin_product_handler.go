package handler

import (
	"net/http"

	"settlement/internal/config"
	"settlement/internal/middleware"
	"settlement/internal/repository"
	"settlement/internal/usecase"

	"github.com/labstack/echo/v4"
)

// 在庫調整の入力。delta は増減（入荷は正、棚卸し補正は負も可）
type InventoryUpdateRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type PriceUpdateRequest struct {
	Price int64 `json:"price"`
}

// /admin/inventory と /admin/products をまとめる
type AdminProductHandler struct {
	uc *usecase.ProductUsecase
}

// DI
func NewAdminProductHandler(uc *usecase.ProductUsecase) *AdminProductHandler {
	return &AdminProductHandler{uc: uc}
}

// adminを登録
func (h *AdminProductHandler) RegisterRoutes(e *echo.Echo, cfg config.Config, userRepo repository.UserRepository) {
	admin := e.Group("/admin")

	admin.Use(middleware.AuthJWT(cfg))
	admin.Use(middleware.TokenVersionGuard(userRepo))
	admin.Use(middleware.AdminRoleGuard())

	admin.PUT("/inventory/:id", h.updateInventory)
	admin.PUT("/products/:id/price", h.updatePrice)
}

func (h *AdminProductHandler) updateInventory(c echo.Context) error {
	productID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "invalid product_id")
	}

	var req InventoryUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	actor, ok := currentActor(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.AdminAdjustStock(
		c.Request().Context(),
		actor.UserID,
		productID,
		usecase.AdjustStockInput{Delta: req.Delta, Reason: req.Reason},
	)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

func (h *AdminProductHandler) updatePrice(c echo.Context) error {
	productID, ok := parseIDParam(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}

	var req PriceUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	actor, ok := currentActor(c)
	if !ok {
		return unauthorized(c)
	}

	out, err := h.uc.AdminUpdatePrice(c.Request().Context(), actor.UserID, productID, req.Price)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, out)
}

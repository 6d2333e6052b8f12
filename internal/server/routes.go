package server

import (
	"settlement/internal/config"
	"settlement/internal/handler"
	"settlement/internal/repository"

	"github.com/labstack/echo/v4"
)

type Handlers struct {
	Orders        *handler.OrderHandler
	AdminOrders   *handler.AdminOrderHandler
	AdminProducts *handler.AdminProductHandler
	AdminUsers    *handler.AdminUserHandler
	Subscriptions *handler.SubscriptionHandler
	Webhooks      *handler.WebhookHandler
	Ops           *handler.OpsHandler
}

func RegisterRoutes(e *echo.Echo, cfg config.Config, userRepo repository.UserRepository, h Handlers) {
	h.Ops.RegisterRoutes(e)
	//webhookは署名で認証する（JWTなし）
	h.Webhooks.RegisterRoutes(e)

	h.Orders.RegisterRoutes(e, cfg, userRepo)
	h.Subscriptions.RegisterRoutes(e, cfg, userRepo)

	h.AdminOrders.RegisterRoutes(e, cfg, userRepo)
	h.AdminProducts.RegisterRoutes(e, cfg, userRepo)
	h.AdminUsers.RegisterRoutes(e, cfg, userRepo)
}

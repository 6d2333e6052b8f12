package middleware

import (
	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"

	"github.com/labstack/echo/v4"
)

// 管理者のActorだけ通す。TokenVersionGuardの後に置く。
func AdminRoleGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFrom(c)
			if !ok {
				return apperr.ErrUnauthorized
			}
			if actor.Type != model.ActorAdmin {
				return apperr.ErrForbidden
			}
			return next(c)
		}
	}
}

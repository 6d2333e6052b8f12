package middleware

import (
	"settlement/internal/domain/apperr"
	"settlement/internal/repository"

	"github.com/labstack/echo/v4"
)

// トークンのtvがDBのtoken_versionと一致するか確認する。
// ロール変更でtoken_versionが上がると古いトークンは通らない。
func TokenVersionGuard(userRepo repository.UserRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFrom(c)
			if !ok {
				return apperr.ErrUnauthorized
			}
			tv, ok := c.Get(CtxTokenVersionKey).(int)
			if !ok || tv < 0 {
				return apperr.ErrUnauthorized
			}

			user, err := userRepo.FindByID(c.Request().Context(), actor.UserID)
			if err != nil || user == nil {
				return apperr.ErrUnauthorized
			}
			if user.TokenVersion != tv || !user.IsActive {
				return apperr.ErrUnauthorized
			}

			//ロールはDBの値を正とする
			c.Set(CtxActorKey, actorFor(actor.UserID, user.Role))
			return next(c)
		}
	}
}

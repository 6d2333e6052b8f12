package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// リクエストごとに1行ログを出す
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				//echoのエラーハンドラに先に書かせてステータスを確定させる
				c.Error(err)
			}
			attrs := []any{
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.Int("status", c.Response().Status),
				slog.Duration("latency", time.Since(start)),
			}
			if actor, ok := ActorFrom(c); ok {
				attrs = append(attrs, slog.Int64("user_id", actor.UserID), slog.String("actor", string(actor.Type)))
			}
			logger.Info("http request", attrs...)
			return nil
		}
	}
}

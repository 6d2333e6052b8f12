package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"settlement/internal/config"
	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

const (
	CtxActorKey        = "actor"         // model.Actor
	CtxTokenVersionKey = "token_version" // int
)

// トークンの中身（発行は認証サービス）
type tokenClaims struct {
	UserID       int64
	Role         model.Role
	TokenVersion int
}

// Bearerトークンを検証し、監査ログ用のActorをcontextに入れる。
// 失敗は apperr.ErrUnauthorized を返す（エラーハンドラが401にする）。
func AuthJWT(cfg config.Config) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request())
			if !ok {
				return apperr.ErrUnauthorized
			}
			claims, err := parseClaims(parser, raw, keyFunc)
			if err != nil {
				return apperr.ErrUnauthorized
			}

			//ロールはTokenVersionGuardでDBの値に置き換わる
			c.Set(CtxActorKey, actorFor(claims.UserID, claims.Role))
			c.Set(CtxTokenVersionKey, claims.TokenVersion)
			return next(c)
		}
	}
}

// 認証済みリクエストのActor
func ActorFrom(c echo.Context) (model.Actor, bool) {
	a, ok := c.Get(CtxActorKey).(model.Actor)
	if !ok || a.UserID <= 0 {
		return model.Actor{}, false
	}
	return a, true
}

func actorFor(userID int64, role model.Role) model.Actor {
	if role == model.RoleAdmin {
		return model.AdminActor(userID)
	}
	return model.UserActor(userID)
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

func parseClaims(parser *jwt.Parser, raw string, keyFunc jwt.Keyfunc) (tokenClaims, error) {
	token, err := parser.Parse(raw, keyFunc)
	if err != nil || !token.Valid {
		return tokenClaims{}, errors.New("invalid token")
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, errors.New("invalid claims")
	}

	userID, err := claimInt64(mc["sub"])
	if err != nil || userID <= 0 {
		return tokenClaims{}, errors.New("invalid sub")
	}
	roleStr, _ := mc["role"].(string)
	role := model.Role(roleStr)
	if !role.Valid() {
		return tokenClaims{}, errors.New("invalid role")
	}
	tv, err := claimInt64(mc["tv"])
	if err != nil || tv < 0 {
		return tokenClaims{}, errors.New("invalid tv")
	}
	return tokenClaims{UserID: userID, Role: role, TokenVersion: int(tv)}, nil
}

// JSONの数値はfloat64、文字列で来ることもある
func claimInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, errors.New("not a number")
}

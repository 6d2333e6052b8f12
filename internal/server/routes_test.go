package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"settlement/internal/config"
	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/handler"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsers map[int64]*model.User

func (s stubUsers) FindByID(ctx context.Context, id int64) (*model.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return u, nil
}

func (s stubUsers) UpdateRole(ctx context.Context, id int64, role model.Role) error {
	return nil
}

func TestRegisterRoutes_Guards(t *testing.T) {
	cfg := config.Config{JWTSecret: "secret"}
	users := stubUsers{7: {ID: 7, Role: model.RoleUser, IsActive: true}}

	e := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterRoutes(e, cfg, users, Handlers{
		Orders:        handler.NewOrderHandler(nil),
		AdminOrders:   handler.NewAdminOrderHandler(nil),
		AdminProducts: handler.NewAdminProductHandler(nil),
		AdminUsers:    handler.NewAdminUserHandler(nil, nil),
		Subscriptions: handler.NewSubscriptionHandler(nil),
		Webhooks:      handler.NewWebhookHandler(nil, 0),
		Ops:           handler.NewOpsHandler(prometheus.NewRegistry(), nil),
	})

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7", "role": "USER", "tv": 0}).
		SignedString([]byte(cfg.JWTSecret))
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"healthz is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"orders need a token", http.MethodGet, "/orders", "", http.StatusUnauthorized},
		{"subscriptions need a token", http.MethodPost, "/subscriptions", "", http.StatusUnauthorized},
		{"admin orders reject users", http.MethodGet, "/admin/orders", tok, http.StatusForbidden},
		{"admin role change rejects users", http.MethodPut, "/admin/users/7/role", tok, http.StatusForbidden},
		{"audit logs reject users", http.MethodGet, "/admin/audit-logs", tok, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

package repository

import (
	"context"
	"settlement/internal/domain/model"
)

type UserRepository interface {
	// IDからユーザーを1件取得する。無ければ ErrNotFound
	FindByID(ctx context.Context, userID int64) (*model.User, error)
	//ロール変更。token_versionも+1して既存トークンを無効化する
	UpdateRole(ctx context.Context, userID int64, role model.Role) error
}

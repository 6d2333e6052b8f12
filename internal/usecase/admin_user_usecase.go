package usecase

import (
	"context"
	"net/http"
	"strings"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

type AdminUserUsecase struct {
	tx  repo.TransactionManager
	now func() time.Time
}

func NewAdminUserUsecase(tx repo.TransactionManager) *AdminUserUsecase {
	return &AdminUserUsecase{tx: tx, now: time.Now}
}

type RoleOutput struct {
	UserID int64      `json:"user_id"`
	Role   model.Role `json:"role"`
}

type roleAudit struct {
	Role model.Role `json:"role"`
}

// ロール変更。既存トークンは token_version が進むので無効になる。
func (u *AdminUserUsecase) UpdateRole(ctx context.Context, adminID, userID int64, role string) (RoleOutput, error) {
	if adminID <= 0 {
		return RoleOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if userID <= 0 {
		return RoleOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	to := model.Role(strings.ToUpper(strings.TrimSpace(role)))
	if !to.Valid() {
		return RoleOutput{}, apperr.Validation("role", "must be USER or ADMIN")
	}
	//自分自身の権限は変えない（管理者がいなくなるのを防ぐ）
	if adminID == userID {
		return RoleOutput{}, apperr.Validation("user_id", "cannot change own role")
	}

	out := RoleOutput{UserID: userID, Role: to}
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		user, err := r.Users().FindByID(ctx, userID)
		if err != nil {
			return notFoundAs(err)
		}
		if user.Role == to {
			return nil
		}
		if err := r.Users().UpdateRole(ctx, userID, to); err != nil {
			return notFoundAs(err)
		}
		return writeAudit(ctx, r.AuditLogs(), model.AdminActor(adminID), model.AuditActionUpdateUserRole, model.AuditResourceUser, userID,
			roleAudit{Role: user.Role}, roleAudit{Role: to}, u.now())
	})
	if err != nil {
		return RoleOutput{}, err
	}
	return out, nil
}

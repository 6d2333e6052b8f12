package usecase

import (
	"context"
	"time"

	"settlement/internal/domain/model"
	repo "settlement/internal/repository"
)

// 監査ログを1件書く。失敗したら呼び出し元のtxごと失敗させる。
func writeAudit(ctx context.Context, logs repo.AuditLogRepository, actor model.Actor, action model.AuditAction, resType model.AuditResourceType, resID int64, before, after any, now time.Time) error {
	log, err := model.NewAuditLog(actor, action, resType, resID, before, after, now)
	if err != nil {
		return err
	}
	return logs.Create(ctx, log)
}

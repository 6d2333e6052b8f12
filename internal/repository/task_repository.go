package repository

import (
	"context"
	"time"

	"settlement/internal/domain/model"
)

// 業務txの中でタスクを積む（outbox）
type TaskRepository interface {
	Enqueue(ctx context.Context, kind model.TaskKind, payload any, maxAttempts int, availableAt time.Time) error
}

// ディスパッチャが使うキュー。少なくとも1回は配信される。
type TaskQueue interface {
	TaskRepository

	// 実行可能なタスクをlease付きで取り出す。leaseが切れたタスクは再配信。
	Dequeue(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error)
	Ack(ctx context.Context, taskID int64) error
	Nack(ctx context.Context, taskID int64, lastErr string, retryAt time.Time) error
	Dead(ctx context.Context, taskID int64, lastErr string) error
}

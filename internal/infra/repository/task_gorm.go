package repository

import (
	"context"
	"encoding/json"
	"time"

	"settlement/internal/domain/model"
	repo "settlement/internal/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// tasksテーブルを使ったキュー。
// 取り出しは FOR UPDATE SKIP LOCKED なので複数プロセスで回しても同じタスクを同時に掴まない。
type TaskGormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTaskGormRepository(db *gorm.DB) *TaskGormRepository {
	return &TaskGormRepository{db: db, now: time.Now}
}

func (r *TaskGormRepository) Enqueue(ctx context.Context, kind model.TaskKind, payload any, maxAttempts int, availableAt time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t := model.Task{
		Kind:        kind,
		Payload:     datatypes.JSON(b),
		Status:      model.TaskStatusQueued,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
	}
	return r.db.WithContext(ctx).Create(&t).Error
}

// QUEUEDで時刻が来たもの、またはleaseが切れたIN_FLIGHTを取り出す。attemptsはここで+1。
func (r *TaskGormRepository) Dequeue(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	var tasks []model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND available_at <= ?) OR (status = ? AND locked_until < ?)",
				model.TaskStatusQueued, now, model.TaskStatusInFlight, now).
			Order("available_at asc, id asc").
			Limit(limit).
			Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		until := now.Add(lease)
		if err := tx.Model(&model.Task{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       model.TaskStatusInFlight,
				"locked_until": until,
				"attempts":     gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}
		for i := range tasks {
			tasks[i].Status = model.TaskStatusInFlight
			tasks[i].LockedUntil = &until
			tasks[i].Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return tasks, nil
}

func (r *TaskGormRepository) Ack(ctx context.Context, taskID int64) error {
	return r.finish(ctx, taskID, map[string]any{
		"status":       model.TaskStatusDone,
		"locked_until": nil,
	})
}

// 失敗。retryAtに再度QUEUEDへ戻す
func (r *TaskGormRepository) Nack(ctx context.Context, taskID int64, lastErr string, retryAt time.Time) error {
	return r.finish(ctx, taskID, map[string]any{
		"status":       model.TaskStatusQueued,
		"available_at": retryAt,
		"locked_until": nil,
		"last_error":   lastErr,
	})
}

func (r *TaskGormRepository) Dead(ctx context.Context, taskID int64, lastErr string) error {
	return r.finish(ctx, taskID, map[string]any{
		"status":       model.TaskStatusDead,
		"locked_until": nil,
		"last_error":   lastErr,
	})
}

func (r *TaskGormRepository) finish(ctx context.Context, taskID int64, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", taskID).
		Updates(updates)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

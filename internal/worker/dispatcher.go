package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/domain/model"
	"settlement/internal/metrics"
	repo "settlement/internal/repository"
	"settlement/internal/usecase"
)

// タスク1件の処理。nilならack
type TaskHandler func(ctx context.Context, task model.Task) error

type DispatcherConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	AlertMaxTry  int
}

// タスクキューをポーリングして固定数のworkerで処理する。
// leaseが切れたタスクはもう一度配られる（at-least-once）
type Dispatcher struct {
	queue    repo.TaskQueue
	handlers map[model.TaskKind]TaskHandler
	policy   usecase.RetryPolicy
	cfg      DispatcherConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	jobs   chan model.Task
	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewDispatcher(queue repo.TaskQueue, policy usecase.RetryPolicy, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.AlertMaxTry <= 0 {
		cfg.AlertMaxTry = 5
	}
	return &Dispatcher{
		queue:    queue,
		handlers: make(map[model.TaskKind]TaskHandler),
		policy:   policy,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		jobs:     make(chan model.Task, cfg.BatchSize*cfg.Workers),
	}
}

// 種別ごとのハンドラ登録（Startより前に呼ぶ）
func (d *Dispatcher) Register(kind model.TaskKind, h TaskHandler) {
	d.handlers[kind] = h
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}

	d.wg.Add(1)
	go d.dispatch(runCtx)
}

// 処理中のタスクが終わるまで待つ
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.jobs)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fetchAndDispatch(ctx)
		}
	}
}

func (d *Dispatcher) fetchAndDispatch(ctx context.Context) {
	tasks, err := d.queue.Dequeue(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("dequeue tasks failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, t := range tasks {
		select {
		case <-ctx.Done():
			//取り出したタスクはleaseが切れたら再配信される
			return
		case d.jobs <- t:
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.jobs:
			if !ok {
				return
			}
			d.handle(ctx, task)
		}
	}
}

// リトライしても直らないエラー
func permanent(err error) bool {
	var ve *apperr.ValidationError
	var se *apperr.SignatureVerificationError
	return errors.As(err, &ve) || errors.As(err, &se)
}

func (d *Dispatcher) handle(ctx context.Context, task model.Task) {
	log := d.logger.With(
		slog.Int64("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("attempt", task.Attempts),
	)

	h, ok := d.handlers[task.Kind]
	if !ok {
		d.dead(ctx, task, errors.New("no handler for task kind"), log)
		return
	}

	//leaseを超えて動かない
	hctx, cancel := context.WithTimeout(ctx, d.cfg.Lease)
	err := h(hctx, task)
	cancel()

	if err == nil {
		if err := d.queue.Ack(ctx, task.ID); err != nil {
			log.Error("ack task failed", slog.String("error", err.Error()))
		}
		d.metrics.Task(string(task.Kind), "done")
		return
	}

	if permanent(err) || task.Attempts >= task.MaxAttempts {
		d.dead(ctx, task, err, log)
		return
	}

	retryAt := d.now().Add(d.policy.Delay(task.Attempts))
	if nerr := d.queue.Nack(ctx, task.ID, err.Error(), retryAt); nerr != nil {
		log.Error("nack task failed", slog.String("error", nerr.Error()))
	}
	d.metrics.Task(string(task.Kind), "retry")
	log.Warn("task failed, will retry",
		slog.String("error", err.Error()),
		slog.Time("retry_at", retryAt),
	)
}

// 諦めたタスク。ops.alert 自体でなければ運用に通知する。
func (d *Dispatcher) dead(ctx context.Context, task model.Task, cause error, log *slog.Logger) {
	if err := d.queue.Dead(ctx, task.ID, cause.Error()); err != nil {
		log.Error("dead-letter task failed", slog.String("error", err.Error()))
	}
	d.metrics.Task(string(task.Kind), "dead")
	log.Error("task dead-lettered", slog.String("error", cause.Error()))

	if task.Kind == model.TaskOpsAlert {
		return
	}
	err := d.queue.Enqueue(ctx, model.TaskOpsAlert, model.OpsAlertPayload{
		Subject: "task dead-lettered",
		Detail:  cause.Error(),
		Fields: map[string]string{
			"kind":    string(task.Kind),
			"payload": string(task.Payload),
		},
	}, d.cfg.AlertMaxTry, d.now())
	if err != nil {
		log.Error("enqueue ops alert failed", slog.String("error", err.Error()))
	}
}

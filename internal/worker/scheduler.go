package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"settlement/internal/metrics"
	"settlement/internal/usecase"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// スイープから呼ぶ定期便の課金処理
type Billing interface {
	RunDate() time.Time
	DueSubscriptionIDs(ctx context.Context, runDate time.Time, afterID int64, limit int) ([]int64, error)
	ProcessDue(ctx context.Context, subID int64, runDate time.Time) (string, error)
}

type SchedulerConfig struct {
	Cron        string
	Location    *time.Location
	Concurrency int
	UnitTimeout time.Duration
	BatchSize   int
}

// スイープ1回分の集計
type SweepReport struct {
	RunDate time.Time
	Total   int
	Failed  int
	Results map[string]int
}

// 定期便のスイープをcronで回す
type Scheduler struct {
	cron    *cron.Cron
	billing Billing
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewScheduler(billing Billing, cfg SchedulerConfig, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			//前回のスイープが終わっていなければ今回は飛ばす
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		billing: billing,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(cfg.Cron, func() {
		s.Sweep(s.baseCtx, s.billing.RunDate())
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: invalid cron %q: %w", cfg.Cron, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.String("cron", s.cfg.Cron),
		slog.String("timezone", s.cfg.Location.String()),
	)
}

// 実行中のスイープを止めて終わるまで待つ。何度呼んでもよい
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

// runDate時点で期日の定期便をすべて処理する。
// 1件ずつタイムアウトを付け、失敗してもログに残して次へ進む
func (s *Scheduler) Sweep(ctx context.Context, runDate time.Time) SweepReport {
	started := time.Now()
	report := SweepReport{RunDate: runDate, Results: map[string]int{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	var afterID int64
	for ctx.Err() == nil {
		ids, err := s.billing.DueSubscriptionIDs(ctx, runDate, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("list due subscriptions failed",
				slog.Int64("after_id", afterID),
				slog.String("error", err.Error()),
			)
			break
		}
		for _, id := range ids {
			id := id
			g.Go(func() error {
				uctx, cancel := context.WithTimeout(ctx, s.cfg.UnitTimeout)
				defer cancel()

				result, err := s.billing.ProcessDue(uctx, id, runDate)
				s.metrics.SweepUnit(result)

				mu.Lock()
				report.Total++
				report.Results[result]++
				if err != nil {
					report.Failed++
				}
				mu.Unlock()

				if err != nil {
					s.logger.Error("subscription unit failed",
						slog.Int64("subscription_id", id),
						slog.String("error", err.Error()),
					)
				}
				return nil
			})
		}
		if len(ids) < s.cfg.BatchSize {
			break
		}
		afterID = ids[len(ids)-1]
	}
	_ = g.Wait()

	elapsed := time.Since(started)
	s.metrics.Sweep(elapsed)
	s.logger.Info("subscription sweep finished",
		slog.String("run_date", runDate.Format(time.DateOnly)),
		slog.Int("total", report.Total),
		slog.Int("failed", report.Failed),
		slog.Duration("elapsed", elapsed),
	)
	return report
}

var _ Billing = (*usecase.SubscriptionBilling)(nil)

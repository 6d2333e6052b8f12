package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"settlement/internal/logger"
	"settlement/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type billingStub struct {
	mu       sync.Mutex
	due      []int64
	pages    []int64
	process  func(ctx context.Context, id int64) (string, error)
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (b *billingStub) RunDate() time.Time { return fixedNow }

func (b *billingStub) DueSubscriptionIDs(_ context.Context, _ time.Time, afterID int64, limit int) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = append(b.pages, afterID)
	var out []int64
	for _, id := range b.due {
		if id > afterID && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *billingStub) ProcessDue(ctx context.Context, id int64, _ time.Time) (string, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		cur := b.maxSeen.Load()
		if n <= cur || b.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if b.process != nil {
		return b.process(ctx, id)
	}
	time.Sleep(2 * time.Millisecond)
	return usecase.BillingCharged, nil
}

func newTestScheduler(t *testing.T, b Billing, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	if cfg.Cron == "" {
		cfg.Cron = "0 6 * * *"
	}
	s, err := NewScheduler(b, cfg, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestNewScheduler_InvalidCron(t *testing.T) {
	_, err := NewScheduler(&billingStub{}, SchedulerConfig{Cron: "every day"}, nil, logger.Discard())
	assert.Error(t, err)
}

func TestSweep_PagesThroughAllDue(t *testing.T) {
	b := &billingStub{due: []int64{1, 2, 3, 4, 5, 6, 7}}
	s := newTestScheduler(t, b, SchedulerConfig{Concurrency: 2, BatchSize: 3, UnitTimeout: time.Second})

	rep := s.Sweep(context.Background(), fixedNow)

	assert.Equal(t, 7, rep.Total)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 7, rep.Results[usecase.BillingCharged])
	//3件ずつ、最後のIDから続ける
	assert.Equal(t, []int64{0, 3, 6}, b.pages)
	assert.LessOrEqual(t, b.maxSeen.Load(), int32(2))
}

func TestSweep_FailureDoesNotAbort(t *testing.T) {
	b := &billingStub{
		due: []int64{1, 2, 3},
		process: func(_ context.Context, id int64) (string, error) {
			if id == 2 {
				return usecase.BillingError, errors.New("gateway down")
			}
			return usecase.BillingCharged, nil
		},
	}
	s := newTestScheduler(t, b, SchedulerConfig{Concurrency: 1, BatchSize: 10})

	rep := s.Sweep(context.Background(), fixedNow)

	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 2, rep.Results[usecase.BillingCharged])
	assert.Equal(t, 1, rep.Results[usecase.BillingError])
}

func TestSweep_UnitTimeout(t *testing.T) {
	b := &billingStub{
		due: []int64{1},
		process: func(ctx context.Context, _ int64) (string, error) {
			<-ctx.Done()
			return usecase.BillingError, ctx.Err()
		},
	}
	s := newTestScheduler(t, b, SchedulerConfig{Concurrency: 1, BatchSize: 10, UnitTimeout: 20 * time.Millisecond})

	done := make(chan SweepReport, 1)
	go func() { done <- s.Sweep(context.Background(), fixedNow) }()

	select {
	case rep := <-done:
		assert.Equal(t, 1, rep.Failed)
	case <-time.After(time.Second):
		t.Fatal("unit did not time out")
	}
}

func TestSweep_NothingDue(t *testing.T) {
	b := &billingStub{}
	s := newTestScheduler(t, b, SchedulerConfig{})

	rep := s.Sweep(context.Background(), fixedNow)

	assert.Equal(t, 0, rep.Total)
	assert.Equal(t, []int64{0}, b.pages)
}

package usecase

import (
	"context"
	"time"

	"settlement/internal/domain/apperr"

	backoff "github.com/cenkalti/backoff/v4"
)

// 外部呼び出しのリトライ方針。待ちは BaseDelay から倍々、MaxDelay で頭打ち。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// fn を最大 MaxAttempts 回実行する。一時的なエラー（apperr.IsTransient）だけやり直す。
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.normalized()
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithMaxRetries(p.exponential(), uint64(p.MaxAttempts-1))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// attempt回目（1始まり）の失敗後に待つ時間
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

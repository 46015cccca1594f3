package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// IsTransient indica falhas de concorrência que podem ser repetidas com segurança
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, domain.ErrSerializationFailure) ||
		errors.Is(err, domain.ErrMarketLocked)
}

// linearBackOff espera base × tentativa entre execuções (100ms, 200ms, 300ms...)
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Retrier reexecuta operações que falharam por conflito transitório.
// Erros permanentes voltam na hora; ao esgotar as tentativas o resultado é
// domain.ErrConcurrencyConflict envolvendo a última causa.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Log         *zap.Logger

	OnRetry     func(err error) // métricas
	OnExhausted func(err error) // métricas
}

func NewRetrier(maxAttempts int, baseDelay time.Duration, log *zap.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrier{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Log: log}
}

// Do executa op até MaxAttempts vezes
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: r.BaseDelay}, uint64(r.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.Log.Debug("retrying after transient conflict",
			zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
		if r.OnRetry != nil {
			r.OnRetry(err)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil || !IsTransient(err) {
		return err
	}
	if r.OnExhausted != nil {
		r.OnExhausted(err)
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrConcurrencyConflict, attempts, err)
}

// Retry é a versão tipada de Retrier.Do
func Retry[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

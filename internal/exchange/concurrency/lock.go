package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

const DefaultLockTTL = 30 * time.Second

// Lease representa a posse de um lock de mercado até ExpiresAt
type Lease struct {
	MarketID  string
	Token     string
	ExpiresAt time.Time
}

// MarketLocker serializa operações que mudam o livro de um mercado.
// Acquire não bloqueia: lock ocupado retorna domain.ErrMarketLocked (transitório).
type MarketLocker interface {
	Acquire(ctx context.Context, marketID string) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// LockRepository é o compare-and-swap persistido na linha do mercado
type LockRepository interface {
	AcquireMarketLock(ctx context.Context, marketID, token string, ttl time.Duration) (bool, error)
	ReleaseMarketLock(ctx context.Context, marketID, token string) error
}

// StoreLocker usa as colunas locked/lock_token/locked_at do mercado
type StoreLocker struct {
	repo LockRepository
	ttl  time.Duration

	OnContention func() // métricas
}

func NewStoreLocker(repo LockRepository, ttl time.Duration) *StoreLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &StoreLocker{repo: repo, ttl: ttl}
}

func (l *StoreLocker) Acquire(ctx context.Context, marketID string) (Lease, error) {
	token := uuid.NewString()
	expires := time.Now().Add(l.ttl)

	ok, err := l.repo.AcquireMarketLock(ctx, marketID, token, l.ttl)
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		if l.OnContention != nil {
			l.OnContention()
		}
		return Lease{}, fmt.Errorf("market %s: %w", marketID, domain.ErrMarketLocked)
	}
	return Lease{MarketID: marketID, Token: token, ExpiresAt: expires}, nil
}

func (l *StoreLocker) Release(ctx context.Context, lease Lease) error {
	return l.repo.ReleaseMarketLock(ctx, lease.MarketID, lease.Token)
}

// WithMarketLock executa fn com o lock do mercado e sempre libera, inclusive em panic.
// A liberação roda com um contexto que ignora o cancelamento do chamador.
func WithMarketLock(ctx context.Context, locker MarketLocker, marketID string, fn func(ctx context.Context) error) (err error) {
	lease, err := locker.Acquire(ctx, marketID)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := locker.Release(relCtx, lease); relErr != nil {
			err = errors.Join(err, fmt.Errorf("release market lock %s: %w", marketID, relErr))
		}
	}()
	return fn(ctx)
}

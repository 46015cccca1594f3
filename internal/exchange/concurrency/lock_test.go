package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

func newLockedMarketStore(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertMarket(ctx, &domain.Market{ID: "m1", Selections: []string{"A"}, Status: domain.MarketOpen})
	}))
	return mem
}

func TestStoreLocker_Contention(t *testing.T) {
	l := NewStoreLocker(newLockedMarketStore(t), time.Minute)
	contended := 0
	l.OnContention = func() { contended++ }
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "m1")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	_, err = l.Acquire(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrMarketLocked)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, contended)

	require.NoError(t, l.Release(ctx, lease))
	_, err = l.Acquire(ctx, "m1")
	assert.NoError(t, err)
}

func TestWithMarketLock_ReleasesOnErrorAndPanic(t *testing.T) {
	l := NewStoreLocker(newLockedMarketStore(t), time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithMarketLock(ctx, l, "m1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = WithMarketLock(ctx, l, "m1", func(context.Context) error { panic("kaboom") })
	})

	ran := false
	err = WithMarketLock(ctx, l, "m1", func(context.Context) error {
		ran = true
		// reentrada no mesmo mercado é contenção
		_, err := l.Acquire(ctx, "m1")
		assert.ErrorIs(t, err, domain.ErrMarketLocked)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithMarketLock_UnknownMarket(t *testing.T) {
	l := NewStoreLocker(newLockedMarketStore(t), time.Minute)
	called := false
	err := WithMarketLock(context.Background(), l, "nope", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, called)
}

func TestRedisLocker(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, 2*time.Second)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, s.Exists("exchange:lock:market:m1"))

	_, err = l.Acquire(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrMarketLocked)

	// token alheio não libera
	require.NoError(t, l.Release(ctx, Lease{MarketID: "m1", Token: "other"}))
	assert.True(t, s.Exists("exchange:lock:market:m1"))

	require.NoError(t, l.Release(ctx, lease))
	assert.False(t, s.Exists("exchange:lock:market:m1"))

	// lock abandonado expira pelo TTL
	_, err = l.Acquire(ctx, "m2")
	require.NoError(t, err)
	s.FastForward(3 * time.Second)
	_, err = l.Acquire(ctx, "m2")
	assert.NoError(t, err)
}

func TestRetrierWithLock_RetriesContention(t *testing.T) {
	mem := newLockedMarketStore(t)
	l := NewStoreLocker(mem, time.Minute)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "m1")
	require.NoError(t, err)

	r := NewRetrier(3, time.Millisecond, nil)
	calls := 0
	err = r.Do(ctx, func(ctx context.Context) error {
		calls++
		if calls == 2 {
			require.NoError(t, l.Release(ctx, held))
		}
		return WithMarketLock(ctx, l, "m1", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

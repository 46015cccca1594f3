package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

// só apaga a chave se o token ainda for o do dono
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implementa MarketLocker com SET NX PX, para vários processos
// compartilharem o mesmo lock sem tocar na linha do mercado no Postgres
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	OnContention func()
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "exchange:lock:market:"}
}

func (l *RedisLocker) key(marketID string) string { return l.prefix + marketID }

func (l *RedisLocker) Acquire(ctx context.Context, marketID string) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(marketID), token, l.ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis lock %s: %w", marketID, err)
	}
	if !ok {
		if l.OnContention != nil {
			l.OnContention()
		}
		return Lease{}, fmt.Errorf("market %s: %w", marketID, domain.ErrMarketLocked)
	}
	return Lease{MarketID: marketID, Token: token, ExpiresAt: time.Now().Add(l.ttl)}, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(lease.MarketID)}, lease.Token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", lease.MarketID, err)
	}
	return nil
}

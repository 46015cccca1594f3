package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "exchange-service")

	cfg := Load()

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "store", cfg.LockBackend)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 10, cfg.QueueBatchSize)
	assert.Equal(t, time.Second, cfg.QueueInterval)
	assert.Equal(t, 10*time.Second, cfg.QueueTaskTimeout)
	assert.False(t, cfg.MatchOnPlace)
	assert.Equal(t, "bet_placed", cfg.TopicBetPlaced)
	assert.Equal(t, "market_settled", cfg.TopicMarketSettled)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "9095", cfg.MetricsPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "matching-worker")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("LOCK_TTL", "5s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("QUEUE_BATCH_SIZE", "25")
	t.Setenv("MATCH_ON_PLACE", "true")
	t.Setenv("KAFKA_TOPIC_BET_MATCHED", "exchange.bet_matched")
	t.Setenv("HTTP_PORT_WORKER", "18084")

	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "redis", cfg.LockBackend)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
	assert.Equal(t, 25, cfg.QueueBatchSize)
	assert.True(t, cfg.MatchOnPlace)
	assert.Equal(t, "exchange.bet_matched", cfg.TopicBetMatched)
	assert.Equal(t, "18084", cfg.HTTPPort)
	assert.Equal(t, "9100", cfg.MetricsPort)
}

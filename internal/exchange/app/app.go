package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/concurrency"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/metrics"
	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
	"github.com/radieske/betting-exchange/internal/exchange/producer"
	"github.com/radieske/betting-exchange/internal/exchange/queue"
	"github.com/radieske/betting-exchange/internal/exchange/service"
	"github.com/radieske/betting-exchange/internal/exchange/settlement"
	"github.com/radieske/betting-exchange/internal/exchange/store"
	"github.com/radieske/betting-exchange/internal/shared/cache"
	"github.com/radieske/betting-exchange/internal/shared/config"
	"github.com/radieske/betting-exchange/internal/shared/db"
	skafka "github.com/radieske/betting-exchange/internal/shared/kafka"
)

var (
	ErrUnknownDriver = errors.New("unknown driver")
	ErrRedisRequired = errors.New("redis required")
)

// App é o motor montado a partir da config, compartilhado pelos dois binários
type App struct {
	Log   *zap.Logger
	Store store.Store
	PG    *store.Postgres // nil com STORE_DRIVER=memory
	Redis *redis.Client   // nil com REDIS_ADDR vazio

	Retrier   *concurrency.Retrier
	Matcher   *matching.Engine
	Settler   *settlement.Engine
	Books     *orderbook.Reader
	Exchange  *service.Exchange
	Processor *queue.Processor
	Metrics   *metrics.Collectors

	sqlDB  *sql.DB
	writer *kafkago.Writer
}

// Build conecta as dependências externas e liga os componentes.
// REDIS_ADDR vazio desliga cache e broadcast do livro; KAFKA_BROKERS vazio desliga eventos.
func Build(cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Log: log}

	switch cfg.StoreDriver {
	case "postgres":
		pg, err := db.ConnectPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.sqlDB = pg
		a.PG = store.NewPostgres(pg)
		a.Store = a.PG
	case "memory":
		a.Store = store.NewMemory()
	default:
		return nil, fmt.Errorf("store driver %q: %w", cfg.StoreDriver, ErrUnknownDriver)
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.ConnectRedis(cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
	}

	a.Metrics = metrics.New(reg)

	a.Retrier = concurrency.NewRetrier(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, log)
	a.Retrier.OnRetry = a.Metrics.OnRetry
	a.Retrier.OnExhausted = a.Metrics.OnExhausted

	var locker concurrency.MarketLocker
	switch cfg.LockBackend {
	case "store":
		l := concurrency.NewStoreLocker(a.Store, cfg.LockTTL)
		l.OnContention = a.Metrics.OnContention
		locker = l
	case "redis":
		if a.Redis == nil {
			a.Close()
			return nil, fmt.Errorf("lock backend redis: %w", ErrRedisRequired)
		}
		l := concurrency.NewRedisLocker(a.Redis, cfg.LockTTL)
		l.OnContention = a.Metrics.OnContention
		locker = l
	default:
		a.Close()
		return nil, fmt.Errorf("lock backend %q: %w", cfg.LockBackend, ErrUnknownDriver)
	}

	balances := balance.NewManager()

	a.Matcher = matching.NewEngine(a.Store, locker, a.Retrier, balances, log)
	a.Matcher.OnFill = a.Metrics.OnFill

	a.Settler = settlement.NewEngine(a.Store, a.Retrier, balances, log)
	a.Settler.OnSettled = a.Metrics.OnSettled

	var bookCache *orderbook.Cache
	if a.Redis != nil {
		bookCache = orderbook.NewCache(a.Redis, cfg.OrderBookCacheTTL)
	}
	a.Books = orderbook.NewReader(a.Store, bookCache, log)

	var pub service.Publisher
	if cfg.KafkaBrokers != "" {
		a.writer = skafka.NewWriter(cfg.KafkaBrokers)
		pub = producer.NewKafkaPublisher(a.writer, producer.Topics{
			BetPlaced:     cfg.TopicBetPlaced,
			BetMatched:    cfg.TopicBetMatched,
			BetCancelled:  cfg.TopicBetCancelled,
			MarketSettled: cfg.TopicMarketSettled,
		})
	}

	a.Exchange = service.New(service.Deps{
		Store:     a.Store,
		Balances:  balances,
		Matcher:   a.Matcher,
		Settler:   a.Settler,
		Books:     a.Books,
		Retrier:   a.Retrier,
		Publisher: pub,
		Log:       log,
	})
	a.Exchange.MatchOnPlace = cfg.MatchOnPlace
	a.Exchange.OnPlaced = a.Metrics.OnPlaced
	a.Exchange.OnCancelled = a.Metrics.OnCancelled

	a.Processor = queue.New(log, a.Store, a.Matcher)
	if cfg.QueueInterval > 0 {
		a.Processor.Interval = cfg.QueueInterval
	}
	if cfg.QueueBatchSize > 0 {
		a.Processor.BatchSize = cfg.QueueBatchSize
	}
	if cfg.QueueTaskTimeout > 0 {
		a.Processor.TaskTimeout = cfg.QueueTaskTimeout
	}
	a.Processor.OnProcessed = a.Metrics.OnProcessed
	a.Processor.OnFailed = a.Metrics.OnFailed
	a.Processor.OnBatch = a.Metrics.OnBatch
	a.Processor.OnMatched = a.Exchange.AfterMatch

	return a, nil
}

// Health é usado pelo /healthz
func (a *App) Health(ctx context.Context) error {
	if a.PG != nil {
		if err := a.PG.Ping(ctx); err != nil {
			return fmt.Errorf("pg: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.Log.Warn("kafka writer close", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}

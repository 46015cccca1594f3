package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/app"
	httpapi "github.com/radieske/betting-exchange/internal/exchange/http"
	"github.com/radieske/betting-exchange/internal/shared/config"
	"github.com/radieske/betting-exchange/internal/shared/logger"
	"github.com/radieske/betting-exchange/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "matching-worker"
	}

	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	if cfg.StoreDriver != "postgres" {
		log.Fatal("matching-worker needs a shared store", zap.String("store", cfg.StoreDriver))
	}

	a, err := app.Build(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal("build exchange", zap.Error(err))
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// apostas que ficaram em PROCESSING quando o worker anterior caiu voltam pra fila
	n, err := a.Processor.Recover(ctx)
	if err != nil {
		log.Fatal("queue recover", zap.Error(err))
	}
	log.Info("queue recovered", zap.Int("requeued", n))

	// reaper de locks de mercado abandonados
	reaper := cron.New()
	if _, err := reaper.AddFunc(cfg.LockReaperSpec, func() {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		released, err := a.PG.ReapStaleLocks(rctx, cfg.LockTTL)
		if err != nil {
			log.Warn("stale lock reaper", zap.Error(err))
			return
		}
		if released > 0 {
			log.Info("stale market locks released", zap.Int("count", released))
		}
		// apostas de workers que caíram sem soltar o lote
		if _, err := a.Processor.Recover(rctx); err != nil {
			log.Warn("queue recover", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("lock reaper schedule", zap.String("spec", cfg.LockReaperSpec), zap.Error(err))
	}
	reaper.Start()

	admin := &httpapi.AdminAPI{Log: log, Queue: a.Processor}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("queue admin listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin api", zap.Error(err))
		}
	}()

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, a.Health, log)

	log.Info("matching-worker running",
		zap.Duration("interval", a.Processor.Interval),
		zap.Int("batch_size", a.Processor.BatchSize),
	)
	if err := a.Processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("processor stopped", zap.Error(err))
	}

	<-reaper.Stop().Done()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("matching-worker stopped")
}

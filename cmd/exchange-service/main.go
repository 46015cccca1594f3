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
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/app"
	httpapi "github.com/radieske/betting-exchange/internal/exchange/http"
	"github.com/radieske/betting-exchange/internal/exchange/ws"
	"github.com/radieske/betting-exchange/internal/shared/config"
	"github.com/radieske/betting-exchange/internal/shared/logger"
	"github.com/radieske/betting-exchange/internal/shared/metrics"
)

func main() {
	cfg := config.Load()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "exchange-service"
	}

	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	log.Info("starting service",
		zap.String("store", cfg.StoreDriver),
		zap.String("lock_backend", cfg.LockBackend),
		zap.Bool("match_on_place", cfg.MatchOnPlace),
	)

	a, err := app.Build(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal("build exchange", zap.Error(err))
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// livro em tempo real: Redis pub/sub -> hub -> clientes WS
	var wsHandler http.Handler
	if a.Redis != nil {
		hub := ws.NewHub(log, originChecker(cfg.WSAllowedOrigin))
		ws.StartRedisSubscriber(ctx, log, a.Redis, hub)
		wsHandler = hub
	}

	// com store em memória não existe worker separado: a fila (e o admin dela) roda aqui mesmo
	inProcessQueue := cfg.StoreDriver == "memory"
	if inProcessQueue {
		go func() {
			if err := a.Processor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("matching queue stopped", zap.Error(err))
			}
		}()
	}

	api := httpapi.NewAPI(log, a.Exchange, wsHandler)
	if inProcessQueue {
		api.Admin = &httpapi.AdminAPI{Log: log, Queue: a.Processor}
	}
	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, a.Health, log)

	go func() {
		log.Info("exchange-service listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// originChecker: "" mantém a checagem same-origin do gorilla, "*" libera tudo
func originChecker(allowed string) func(r *http.Request) bool {
	switch allowed {
	case "":
		return nil
	case "*":
		return func(*http.Request) bool { return true }
	default:
		return func(r *http.Request) bool { return r.Header.Get("Origin") == allowed }
	}
}

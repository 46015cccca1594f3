package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

const (
	DefaultInterval    = time.Second
	DefaultBatchSize   = 10
	DefaultTaskTimeout = 10 * time.Second
)

// Matcher é o motor de casamento acionado para cada aposta da fila
type Matcher interface {
	MatchBet(ctx context.Context, betID string) (matching.Result, error)
}

// Stats inclui as contagens da fila e se o processador está pausado
type Stats struct {
	store.QueueStats
	Paused bool `json:"paused"`
}

// Processor consome a fila FIFO de casamento.
// A cada tick pega um lote de QUEUED por posição, marca PROCESSING e casa uma aposta por vez;
// falha de uma aposta não afeta as outras do lote.
type Processor struct {
	Log     *zap.Logger
	Queue   store.QueueStore
	Matcher Matcher

	Interval    time.Duration
	BatchSize   int
	TaskTimeout time.Duration
	// StaleAfter é quanto uma aposta pode ficar em PROCESSING antes de Recover tomá-la;
	// zero usa (BatchSize+1) × TaskTimeout, o pior caso de um lote processado em série
	StaleAfter time.Duration

	OnProcessed func()                                         // métricas
	OnFailed    func()                                         // métricas
	OnBatch     func(size int, elapsed time.Duration)          // métricas
	OnMatched   func(ctx context.Context, res matching.Result) // eventos / refresh do livro

	paused atomic.Bool
}

func New(log *zap.Logger, q store.QueueStore, m Matcher) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		Log:         log,
		Queue:       q,
		Matcher:     m,
		Interval:    DefaultInterval,
		BatchSize:   DefaultBatchSize,
		TaskTimeout: DefaultTaskTimeout,
	}
}

// Run executa o loop até o contexto ser cancelado
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.paused.Load() {
				continue
			}
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.Log.Warn("queue batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch processa um lote e retorna quantas apostas foram tocadas
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()
	bets, err := p.Queue.ClaimQueued(ctx, p.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim queued bets: %w", err)
	}
	if len(bets) == 0 {
		return 0, nil
	}

	for _, b := range bets {
		if ctx.Err() != nil {
			// o que sobrou em PROCESSING volta para a fila no Recover
			break
		}
		p.processOne(ctx, b)
	}

	if p.OnBatch != nil {
		p.OnBatch(len(bets), time.Since(start))
	}
	return len(bets), nil
}

// processOne é a unidade isolada: timeout próprio e recover de panic
func (p *Processor) processOne(ctx context.Context, bet *domain.Bet) {
	status := domain.ProcessingFailed
	log := p.Log.With(zap.String("bet_id", bet.ID), zap.Int64("queue_position", bet.QueuePosition))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while matching bet", zap.Any("panic", r))
			status = domain.ProcessingFailed
		}
		p.finish(ctx, bet.ID, status, log)
	}()

	tctx, cancel := context.WithTimeout(ctx, p.TaskTimeout)
	defer cancel()

	res, err := p.Matcher.MatchBet(tctx, bet.ID)
	switch {
	case err == nil:
		status = domain.ProcessingProcessed
		if p.OnMatched != nil && len(res.Matches) > 0 {
			p.OnMatched(ctx, res)
		}
	case errors.Is(err, domain.ErrNotMatchable):
		// já casada ou cancelada: nada a fazer
		status = domain.ProcessingProcessed
	default:
		log.Warn("bet matching failed", zap.Error(err))
	}
}

func (p *Processor) finish(ctx context.Context, betID string, status domain.ProcessingStatus, log *zap.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := p.Queue.SetProcessingStatus(sctx, betID, status); err != nil {
		log.Error("set processing status failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if status == domain.ProcessingProcessed {
		if p.OnProcessed != nil {
			p.OnProcessed()
		}
	} else if p.OnFailed != nil {
		p.OnFailed()
	}
}

// AddToQueue coloca a aposta no fim da fila
func (p *Processor) AddToQueue(ctx context.Context, betID string) (int64, error) {
	return p.Queue.Enqueue(ctx, betID)
}

// RetryFailedBets devolve todas as FAILED para a fila
func (p *Processor) RetryFailedBets(ctx context.Context) (int, error) {
	n, err := p.Queue.RequeueFailed(ctx)
	if err != nil {
		return 0, err
	}
	p.Log.Info("failed bets requeued", zap.Int("count", n))
	return n, nil
}

// Recover devolve para a fila apostas presas em PROCESSING por um worker que caiu.
// Só pega as paradas há mais de StaleAfter, então pode rodar com outros workers ativos.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	n, err := p.Queue.RequeueProcessing(ctx, p.staleAfter())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.Log.Warn("requeued bets stuck in processing", zap.Int("count", n))
	}
	return n, nil
}

func (p *Processor) staleAfter() time.Duration {
	if p.StaleAfter > 0 {
		return p.StaleAfter
	}
	return time.Duration(p.BatchSize+1) * p.TaskTimeout
}

func (p *Processor) Pause()       { p.paused.Store(true) }
func (p *Processor) Resume()      { p.paused.Store(false) }
func (p *Processor) Paused() bool { return p.paused.Load() }

func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	st, err := p.Queue.QueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{QueueStats: st, Paused: p.Paused()}, nil
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/settlement"
)

// Collectors reúne as métricas do motor; os componentes só expõem callbacks
// e o main liga cada callback ao coletor correspondente.
type Collectors struct {
	BetsPlaced     *prometheus.CounterVec
	BetsCancelled  prometheus.Counter
	Fills          prometheus.Counter
	MatchedVolume  prometheus.Counter
	QueueOutcomes  *prometheus.CounterVec
	QueueBatch     prometheus.Histogram
	RetryAttempts  prometheus.Counter
	RetryExhausted prometheus.Counter
	LockContention prometheus.Counter
	Settlements    prometheus.Counter
	SettledBets    prometheus.Counter
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		BetsPlaced:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exchange_bets_placed_total", Help: "apostas colocadas por tipo"}, []string{"type"}),
		BetsCancelled:  prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_bets_cancelled_total", Help: "apostas canceladas pelo usuário"}),
		Fills:          prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_fills_total", Help: "bet matches criados"}),
		MatchedVolume:  prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_matched_volume_total", Help: "stake casado acumulado"}),
		QueueOutcomes:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exchange_queue_bets_total", Help: "apostas processadas pela fila por resultado"}, []string{"outcome"}),
		QueueBatch:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "exchange_queue_batch_seconds", Help: "duração de cada lote da fila", Buckets: prometheus.DefBuckets}),
		RetryAttempts:  prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_retry_attempts_total", Help: "repetições por conflito transitório"}),
		RetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_concurrency_conflicts_total", Help: "operações que esgotaram as tentativas"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_market_lock_contention_total", Help: "tentativas de lock com mercado ocupado"}),
		Settlements:    prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_settlements_total", Help: "mercados liquidados"}),
		SettledBets:    prometheus.NewCounter(prometheus.CounterOpts{Name: "exchange_settled_bets_total", Help: "apostas casadas resolvidas na liquidação"}),
	}
	reg.MustRegister(
		c.BetsPlaced, c.BetsCancelled, c.Fills, c.MatchedVolume,
		c.QueueOutcomes, c.QueueBatch,
		c.RetryAttempts, c.RetryExhausted, c.LockContention,
		c.Settlements, c.SettledBets,
	)
	return c
}

func (c *Collectors) OnPlaced(t domain.BetType) { c.BetsPlaced.WithLabelValues(string(t)).Inc() }
func (c *Collectors) OnCancelled()              { c.BetsCancelled.Inc() }

func (c *Collectors) OnFill(m *domain.BetMatch) {
	c.Fills.Inc()
	c.MatchedVolume.Add(m.Amount.InexactFloat64())
}

func (c *Collectors) OnProcessed() { c.QueueOutcomes.WithLabelValues("processed").Inc() }
func (c *Collectors) OnFailed()    { c.QueueOutcomes.WithLabelValues("failed").Inc() }

func (c *Collectors) OnBatch(_ int, elapsed time.Duration) { c.QueueBatch.Observe(elapsed.Seconds()) }

func (c *Collectors) OnRetry(error)     { c.RetryAttempts.Inc() }
func (c *Collectors) OnExhausted(error) { c.RetryExhausted.Inc() }
func (c *Collectors) OnContention()     { c.LockContention.Inc() }

func (c *Collectors) OnSettled(res settlement.Result) {
	c.Settlements.Inc()
	c.SettledBets.Add(float64(res.SettledCount + res.SettledCancelledCount))
}

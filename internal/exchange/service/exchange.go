package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/concurrency"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
	"github.com/radieske/betting-exchange/internal/exchange/settlement"
	"github.com/radieske/betting-exchange/internal/exchange/store"
	"github.com/radieske/betting-exchange/pkg/contracts/events"
)

// Publisher recebe os eventos do exchange depois do commit
type Publisher interface {
	PublishBetPlaced(ctx context.Context, e events.BetPlaced) error
	PublishBetMatched(ctx context.Context, e events.BetMatched) error
	PublishBetCancelled(ctx context.Context, e events.BetCancelled) error
	PublishMarketSettled(ctx context.Context, e events.MarketSettled) error
}

// Deps agrupa os componentes do motor usados pela fachada
type Deps struct {
	Store     store.Store
	Balances  *balance.Manager
	Matcher   *matching.Engine
	Settler   *settlement.Engine
	Books     *orderbook.Reader
	Retrier   *concurrency.Retrier
	Publisher Publisher // nil desliga eventos
	Log       *zap.Logger
}

// Exchange é a fachada do motor consumida pela camada HTTP.
// Toda escrita roda numa transação dentro do retrier; eventos e refresh do livro
// acontecem só depois do commit e nunca falham a operação.
type Exchange struct {
	store    store.Store
	balances *balance.Manager
	matcher  *matching.Engine
	settler  *settlement.Engine
	books    *orderbook.Reader
	retrier  *concurrency.Retrier
	pub      Publisher
	log      *zap.Logger
	now      func() time.Time

	// MatchOnPlace casa a aposta logo após a colocação, sem esperar a fila
	MatchOnPlace bool

	OnPlaced    func(t domain.BetType) // métricas
	OnCancelled func()                 // métricas
}

func New(d Deps) *Exchange {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		store:    d.Store,
		balances: d.Balances,
		matcher:  d.Matcher,
		settler:  d.Settler,
		books:    d.Books,
		retrier:  d.Retrier,
		pub:      d.Publisher,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// write executa fn numa transação serializável, repetindo em conflito transitório
func (x *Exchange) write(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return x.retrier.Do(ctx, func(ctx context.Context) error {
		return x.store.InTx(ctx, fn)
	})
}

func (x *Exchange) read(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return x.store.InTx(ctx, fn)
}

// publish roda fn só se houver publisher; falha é logada
func (x *Exchange) publish(ctx context.Context, kind string, fn func(ctx context.Context, p Publisher) error) {
	if x.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := fn(ctx, x.pub); err != nil {
		x.log.Warn("publish event failed", zap.String("event", kind), zap.Error(err))
	}
}

func (x *Exchange) refreshBook(ctx context.Context, marketID string) {
	if x.books != nil {
		x.books.Refresh(ctx, marketID)
	}
}

// AfterMatch publica os fills e atualiza o livro; usado também pela fila
func (x *Exchange) AfterMatch(ctx context.Context, res matching.Result) {
	if len(res.Matches) == 0 {
		return
	}
	for _, m := range res.Matches {
		x.publish(ctx, "bet_matched", func(ctx context.Context, p Publisher) error {
			return p.PublishBetMatched(ctx, events.BetMatched{
				MatchID:   m.ID,
				MarketID:  m.MarketID,
				BackBetID: m.BackBetID,
				LayBetID:  m.LayBetID,
				Amount:    m.Amount,
				Odds:      m.Odds,
			})
		})
	}
	x.refreshBook(ctx, res.MarketID)
}

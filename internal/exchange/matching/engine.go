package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/concurrency"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

var openStatuses = []domain.BetStatus{domain.BetUnmatched, domain.BetPartiallyMatched}

// Result é o que uma execução de MatchBet casou
type Result struct {
	BetID         string             `json:"betId"`
	MatchedAmount decimal.Decimal    `json:"matchedAmount"`
	Matches       []*domain.BetMatch `json:"matches"`
	MarketID      string             `json:"-"`
}

// Engine casa uma aposta contra o lado oposto do livro por prioridade preço-tempo.
// Cada execução roda com o lock do mercado, numa transação serializável, dentro do retrier.
type Engine struct {
	store    store.Store
	locker   concurrency.MarketLocker
	retrier  *concurrency.Retrier
	balances *balance.Manager
	log      *zap.Logger
	now      func() time.Time

	OnFill func(m *domain.BetMatch) // métricas
}

func NewEngine(st store.Store, locker concurrency.MarketLocker, retrier *concurrency.Retrier, balances *balance.Manager, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    st,
		locker:   locker,
		retrier:  retrier,
		balances: balances,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MatchBet casa o restante da aposta; o que sobrar fica no livro
func (e *Engine) MatchBet(ctx context.Context, betID string) (Result, error) {
	marketID, err := e.precheck(ctx, betID)
	if err != nil {
		return Result{}, err
	}

	res, err := concurrency.Retry(ctx, e.retrier, func(ctx context.Context) (Result, error) {
		var res Result
		err := concurrency.WithMarketLock(ctx, e.locker, marketID, func(ctx context.Context) error {
			return e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
				var err error
				res, err = e.matchInTx(ctx, tx, betID)
				return err
			})
		})
		return res, err
	})
	if err != nil {
		return Result{}, err
	}

	if e.OnFill != nil {
		for _, m := range res.Matches {
			e.OnFill(m)
		}
	}
	if len(res.Matches) > 0 {
		e.log.Info("bet matched",
			zap.String("bet_id", betID),
			zap.String("market_id", marketID),
			zap.String("amount", res.MatchedAmount.String()),
			zap.Int("fills", len(res.Matches)),
		)
	}
	return res, nil
}

// precheck rejeita cedo, sem pegar lock, apostas que não podem casar
func (e *Engine) precheck(ctx context.Context, betID string) (string, error) {
	var marketID string
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bet, err := tx.GetBet(ctx, betID)
		if err != nil {
			return err
		}
		if !bet.Status.Open() {
			return fmt.Errorf("bet %s is %s: %w", betID, bet.Status, domain.ErrNotMatchable)
		}
		market, err := tx.GetMarket(ctx, bet.MarketID)
		if err != nil {
			return err
		}
		if market.Status != domain.MarketOpen {
			return fmt.Errorf("market %s is %s: %w", market.ID, market.Status, domain.ErrMarketNotOpen)
		}
		marketID = market.ID
		return nil
	})
	return marketID, err
}

// matchInTx relê aposta e mercado já com o lock e executa os fills
func (e *Engine) matchInTx(ctx context.Context, tx store.Tx, betID string) (Result, error) {
	bet, err := tx.GetBet(ctx, betID)
	if err != nil {
		return Result{}, err
	}
	if !bet.Status.Open() {
		return Result{}, fmt.Errorf("bet %s is %s: %w", betID, bet.Status, domain.ErrNotMatchable)
	}
	market, err := tx.GetMarket(ctx, bet.MarketID)
	if err != nil {
		return Result{}, err
	}
	if market.Status != domain.MarketOpen {
		return Result{}, fmt.Errorf("market %s is %s: %w", market.ID, market.Status, domain.ErrMarketNotOpen)
	}

	candidates, err := e.candidates(ctx, tx, bet)
	if err != nil {
		return Result{}, err
	}

	res := Result{BetID: bet.ID, MarketID: market.ID, MatchedAmount: decimal.Zero}
	for _, c := range candidates {
		remaining := bet.Remaining()
		if !remaining.IsPositive() {
			break
		}
		fill := decimal.Min(remaining, c.Remaining())
		if !fill.IsPositive() {
			continue
		}
		price := domain.ExecutionOdds(bet.Type, bet.Odds, c.Odds)

		ok, err := e.coverLayAbovePrice(ctx, tx, bet, c, fill, price)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}

		m := &domain.BetMatch{
			ID:        uuid.NewString(),
			MarketID:  market.ID,
			Amount:    fill,
			Odds:      price,
			CreatedAt: e.now(),
		}
		if bet.Type == domain.BetBack {
			m.BackBetID, m.LayBetID = bet.ID, c.ID
		} else {
			m.BackBetID, m.LayBetID = c.ID, bet.ID
		}
		if err := tx.InsertBetMatch(ctx, m); err != nil {
			return Result{}, fmt.Errorf("insert bet match: %w", err)
		}

		c.MatchedAmount = c.MatchedAmount.Add(fill)
		c.Status = domain.StatusForMatched(c.Amount, c.MatchedAmount)
		if err := tx.UpdateBet(ctx, c); err != nil {
			return Result{}, err
		}
		bet.MatchedAmount = bet.MatchedAmount.Add(fill)
		bet.Status = domain.StatusForMatched(bet.Amount, bet.MatchedAmount)

		res.Matches = append(res.Matches, m)
		res.MatchedAmount = res.MatchedAmount.Add(fill)
	}

	if len(res.Matches) > 0 {
		if err := tx.UpdateBet(ctx, bet); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// candidates lista o lado oposto compatível em prioridade preço-tempo.
// ListBets já vem em ordem de criação; o sort estável só reordena por preço.
func (e *Engine) candidates(ctx context.Context, tx store.Tx, bet *domain.Bet) ([]*domain.Bet, error) {
	all, err := tx.ListBets(ctx, store.BetFilter{
		MarketID:      bet.MarketID,
		Selection:     bet.Selection,
		Type:          bet.Type.Opposite(),
		Statuses:      openStatuses,
		ExcludeUserID: bet.UserID,
	})
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, c := range all {
		if c.UserID == bet.UserID || !domain.CompatibleOdds(bet, c.Odds) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if bet.Type == domain.BetBack {
			return out[i].Odds.LessThan(out[j].Odds)
		}
		return out[i].Odds.GreaterThan(out[j].Odds)
	})
	return out, nil
}

// coverLayAbovePrice reserva a liability extra quando um LAY executa acima da própria odd.
// Retorna false se o layer não cobre o extra: o candidato é pulado e os de odd menor,
// que pedem menos ou nenhum extra, ainda são tentados.
func (e *Engine) coverLayAbovePrice(ctx context.Context, tx store.Tx, bet, counter *domain.Bet, fill, price decimal.Decimal) (bool, error) {
	lay := bet
	if bet.Type == domain.BetBack {
		lay = counter
	}
	if !price.GreaterThan(lay.Odds) {
		return true, nil
	}

	extra := fill.Mul(price.Sub(lay.Odds))
	_, err := e.balances.ReserveForLay(ctx, tx, lay.UserID, extra, balance.Ref{
		BetID:       lay.ID,
		MarketID:    lay.MarketID,
		Description: "lay liability top-up at " + price.String(),
	})
	if errors.Is(err, domain.ErrInsufficientFunds) {
		e.log.Info("lay cannot cover execution price, skipping candidate",
			zap.String("bet_id", lay.ID), zap.String("counter_bet_id", counter.ID), zap.String("price", price.String()))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lay.Liability = lay.Liability.Add(extra)
	return true, nil
}

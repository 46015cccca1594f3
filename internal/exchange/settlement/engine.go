package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/concurrency"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

// Result resume uma liquidação.
// SettledCount conta só apostas FULLY/PARTIALLY_MATCHED; apostas canceladas pelo usuário
// com parte casada também são pagas, mas entram em SettledCancelledCount.
// CancelledCount conta apostas abertas sem nada casado, devolvidas e canceladas.
type Result struct {
	MarketID              string `json:"marketId"`
	WinningSelection      string `json:"winningSelection"`
	SettledCount          int    `json:"settledCount"`
	SettledCancelledCount int    `json:"settledCancelledCount"`
	CancelledCount        int    `json:"cancelledCount"`
}

// Engine liquida mercados: paga vencedores, libera liabilities e devolve o que não casou.
// Tudo numa única transação serializável, repetida pelo retrier em caso de conflito.
type Engine struct {
	store    store.Store
	retrier  *concurrency.Retrier
	balances *balance.Manager
	log      *zap.Logger
	now      func() time.Time

	OnSettled func(res Result) // métricas
}

func NewEngine(st store.Store, retrier *concurrency.Retrier, balances *balance.Manager, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    st,
		retrier:  retrier,
		balances: balances,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SettleMarket liquida o mercado e retorna quantas apostas FULLY/PARTIALLY_MATCHED foram resolvidas
func (e *Engine) SettleMarket(ctx context.Context, marketID, winningSelection string) (int, error) {
	res, err := e.Settle(ctx, marketID, winningSelection)
	return res.SettledCount, err
}

// Settle é SettleMarket com o resumo completo
func (e *Engine) Settle(ctx context.Context, marketID, winningSelection string) (Result, error) {
	res, err := concurrency.Retry(ctx, e.retrier, func(ctx context.Context) (Result, error) {
		var res Result
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = e.settleInTx(ctx, tx, marketID, winningSelection)
			return err
		})
		return res, err
	})
	if err != nil {
		return Result{}, err
	}

	e.log.Info("market settled",
		zap.String("market_id", marketID),
		zap.String("winning_selection", winningSelection),
		zap.Int("settled", res.SettledCount),
		zap.Int("settled_cancelled", res.SettledCancelledCount),
		zap.Int("cancelled", res.CancelledCount),
	)
	if e.OnSettled != nil {
		e.OnSettled(res)
	}
	return res, nil
}

func (e *Engine) settleInTx(ctx context.Context, tx store.Tx, marketID, winningSelection string) (Result, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return Result{}, err
	}
	if market.Status == domain.MarketSettled {
		return Result{}, fmt.Errorf("market %s: %w", marketID, domain.ErrMarketAlreadySettled)
	}
	if !domain.CanTransition(market.Status, domain.MarketSettled) {
		return Result{}, fmt.Errorf("market %s %s -> %s: %w", marketID, market.Status, domain.MarketSettled, domain.ErrInvalidTransition)
	}
	if !market.HasSelection(winningSelection) {
		return Result{}, fmt.Errorf("%w: %q is not a selection of market %s", domain.ErrInvalidSelection, winningSelection, marketID)
	}

	bets, err := tx.ListBets(ctx, store.BetFilter{MarketID: marketID})
	if err != nil {
		return Result{}, err
	}

	now := e.now()
	res := Result{MarketID: marketID, WinningSelection: winningSelection}
	for _, b := range bets {
		switch {
		case b.Status == domain.BetWon || b.Status == domain.BetLost:
			continue
		case b.MatchedAmount.IsPositive():
			wasCancelled := b.Status == domain.BetCancelled
			if err := e.settleMatched(ctx, tx, b, winningSelection, now); err != nil {
				return Result{}, err
			}
			if wasCancelled {
				res.SettledCancelledCount++
			} else {
				res.SettledCount++
			}
		case b.Status.Open():
			if err := e.returnUnmatched(ctx, tx, b, now); err != nil {
				return Result{}, err
			}
			res.CancelledCount++
		}
	}

	market.Status = domain.MarketSettled
	market.WinningSelection = winningSelection
	market.SettledAt = &now
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return Result{}, err
	}
	return res, nil
}

// matchedTotals soma, pelos BetMatch da aposta, o stake casado e o retorno bruto (m × odd)
func matchedTotals(matches []*domain.BetMatch) (stake, gross decimal.Decimal) {
	stake, gross = decimal.Zero, decimal.Zero
	for _, m := range matches {
		stake = stake.Add(m.Amount)
		gross = gross.Add(m.Amount.Mul(m.Odds))
	}
	return stake, gross
}

func (e *Engine) settleMatched(ctx context.Context, tx store.Tx, b *domain.Bet, winningSelection string, now time.Time) error {
	matches, err := tx.ListBetMatches(ctx, b.ID)
	if err != nil {
		return err
	}
	stake, gross := matchedTotals(matches)
	ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID}
	selectionWon := b.Selection == winningSelection

	switch b.Type {
	case domain.BetBack:
		// restante não casado; em aposta cancelada já foi devolvido no cancelamento
		if b.Status != domain.BetCancelled {
			if rem := b.Remaining(); rem.IsPositive() {
				ref.Description = "unmatched stake refund"
				if _, err := e.balances.RefundBackStake(ctx, tx, b.UserID, rem, ref); err != nil {
					return err
				}
			}
		}
		if selectionWon {
			ref.Description = "back bet won"
			if _, err := e.balances.PayWinnings(ctx, tx, b.UserID, gross, ref); err != nil {
				return err
			}
		}
		b.Status = wonOrLost(selectionWon)

	case domain.BetLay:
		if b.Liability.IsPositive() {
			ref.Description = "lay liability release"
			if _, err := e.balances.ReleaseLayLiability(ctx, tx, b.UserID, b.Liability, ref); err != nil {
				return err
			}
			b.Liability = decimal.Zero
		}
		if selectionWon {
			loss := gross.Sub(stake)
			if loss.IsPositive() {
				ref.Description = "lay bet lost"
				if _, err := e.balances.SettleLayLoss(ctx, tx, b.UserID, loss, ref); err != nil {
					return err
				}
			}
		} else {
			ref.Description = "lay bet won"
			if _, err := e.balances.PayWinnings(ctx, tx, b.UserID, stake, ref); err != nil {
				return err
			}
		}
		b.Status = wonOrLost(!selectionWon)
	}

	b.SettledAt = &now
	return tx.UpdateBet(ctx, b)
}

// returnUnmatched devolve aposta que nunca casou: stake do BACK, liability do LAY
func (e *Engine) returnUnmatched(ctx context.Context, tx store.Tx, b *domain.Bet, now time.Time) error {
	ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID, Description: "market settled with bet unmatched"}
	switch b.Type {
	case domain.BetBack:
		if _, err := e.balances.RefundBackStake(ctx, tx, b.UserID, b.Amount, ref); err != nil {
			return err
		}
	case domain.BetLay:
		if b.Liability.IsPositive() {
			if _, err := e.balances.ReleaseLayLiability(ctx, tx, b.UserID, b.Liability, ref); err != nil {
				return err
			}
		}
		b.Liability = decimal.Zero
	}
	b.Status = domain.BetCancelled
	b.SettledAt = &now
	return tx.UpdateBet(ctx, b)
}

// VoidMarket cancela o mercado inteiro: todo stake de BACK e toda liability de LAY voltam,
// inclusive a parte casada. Retorna quantas apostas foram anuladas.
func (e *Engine) VoidMarket(ctx context.Context, marketID string) (int, error) {
	n, err := concurrency.Retry(ctx, e.retrier, func(ctx context.Context) (int, error) {
		var n int
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			n, err = e.voidInTx(ctx, tx, marketID)
			return err
		})
		return n, err
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("market voided", zap.String("market_id", marketID), zap.Int("voided", n))
	return n, nil
}

func (e *Engine) voidInTx(ctx context.Context, tx store.Tx, marketID string) (int, error) {
	market, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if market.Status == domain.MarketSettled {
		return 0, fmt.Errorf("market %s: %w", marketID, domain.ErrMarketAlreadySettled)
	}
	if !domain.CanTransition(market.Status, domain.MarketCancelled) {
		return 0, fmt.Errorf("market %s %s -> %s: %w", marketID, market.Status, domain.MarketCancelled, domain.ErrInvalidTransition)
	}

	bets, err := tx.ListBets(ctx, store.BetFilter{MarketID: marketID})
	if err != nil {
		return 0, err
	}

	now := e.now()
	n := 0
	for _, b := range bets {
		if b.Status == domain.BetWon || b.Status == domain.BetLost {
			continue
		}
		if b.Status == domain.BetCancelled && !b.MatchedAmount.IsPositive() {
			continue
		}
		ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID, Description: "market cancelled"}
		switch b.Type {
		case domain.BetBack:
			refund := b.Amount
			if b.Status == domain.BetCancelled {
				refund = b.MatchedAmount
			}
			if _, err := e.balances.RefundBackStake(ctx, tx, b.UserID, refund, ref); err != nil {
				return 0, err
			}
		case domain.BetLay:
			if b.Liability.IsPositive() {
				if _, err := e.balances.ReleaseLayLiability(ctx, tx, b.UserID, b.Liability, ref); err != nil {
					return 0, err
				}
			}
			b.Liability = decimal.Zero
		}
		b.Status = domain.BetCancelled
		b.SettledAt = &now
		if err := tx.UpdateBet(ctx, b); err != nil {
			return 0, err
		}
		n++
	}

	market.Status = domain.MarketCancelled
	if err := tx.UpdateMarket(ctx, market); err != nil {
		return 0, err
	}
	return n, nil
}

func wonOrLost(won bool) domain.BetStatus {
	if won {
		return domain.BetWon
	}
	return domain.BetLost
}

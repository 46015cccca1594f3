package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/store"
	"github.com/radieske/betting-exchange/pkg/contracts/events"
)

// PlaceBetInput é a ordem enviada pelo apostador
type PlaceBetInput struct {
	UserID    string
	MarketID  string
	Selection string
	Amount    decimal.Decimal
	Odds      decimal.Decimal
}

func (x *Exchange) PlaceBackBet(ctx context.Context, in PlaceBetInput) (*domain.Bet, error) {
	return x.placeBet(ctx, domain.BetBack, in)
}

func (x *Exchange) PlaceLayBet(ctx context.Context, in PlaceBetInput) (*domain.Bet, error) {
	return x.placeBet(ctx, domain.BetLay, in)
}

// placeBet debita (BACK) ou reserva (LAY), grava a aposta UNMATCHED e a coloca na fila,
// tudo na mesma transação
func (x *Exchange) placeBet(ctx context.Context, typ domain.BetType, in PlaceBetInput) (*domain.Bet, error) {
	if err := domain.ValidateOrder(typ, in.Amount, in.Odds); err != nil {
		return nil, err
	}

	betID := uuid.NewString()
	var bet *domain.Bet
	err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		market, err := tx.GetMarket(ctx, in.MarketID)
		if err != nil {
			return err
		}
		if market.Status != domain.MarketOpen {
			return fmt.Errorf("market %s is %s: %w", market.ID, market.Status, domain.ErrMarketNotOpen)
		}
		if !market.HasSelection(in.Selection) {
			return fmt.Errorf("%w: %q is not a selection of market %s", domain.ErrInvalidSelection, in.Selection, market.ID)
		}

		now := x.now()
		b := &domain.Bet{
			ID:                betID,
			UserID:            in.UserID,
			MarketID:          market.ID,
			Selection:         in.Selection,
			Type:              typ,
			Amount:            in.Amount,
			Odds:              in.Odds,
			MatchedAmount:     decimal.Zero,
			Liability:         decimal.Zero,
			PotentialWinnings: domain.PotentialWinnings(typ, in.Amount, in.Odds),
			Status:            domain.BetUnmatched,
			ProcessingStatus:  domain.ProcessingQueued,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID, Description: string(typ) + " bet placed"}
		if typ == domain.BetLay {
			b.Liability = domain.LayLiability(b.Amount, b.Odds)
			if _, err := x.balances.ReserveForLay(ctx, tx, b.UserID, b.Liability, ref); err != nil {
				return err
			}
		} else if _, err := x.balances.DebitForBack(ctx, tx, b.UserID, b.Amount, ref); err != nil {
			return err
		}

		if b.QueuePosition, err = tx.NextQueuePosition(ctx); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, b); err != nil {
			return fmt.Errorf("insert bet: %w", err)
		}
		bet = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	x.log.Info("bet placed",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("market_id", bet.MarketID),
		zap.String("type", string(bet.Type)),
		zap.String("amount", bet.Amount.String()),
		zap.String("odds", bet.Odds.String()),
	)
	if x.OnPlaced != nil {
		x.OnPlaced(typ)
	}
	x.publish(ctx, "bet_placed", func(ctx context.Context, p Publisher) error {
		return p.PublishBetPlaced(ctx, events.BetPlaced{
			BetID:         bet.ID,
			UserID:        bet.UserID,
			MarketID:      bet.MarketID,
			Selection:     bet.Selection,
			Type:          string(bet.Type),
			Amount:        bet.Amount,
			Odds:          bet.Odds,
			Liability:     bet.Liability,
			QueuePosition: bet.QueuePosition,
		})
	})

	if x.MatchOnPlace {
		// falha aqui não desfaz a colocação: a aposta segue na fila
		if _, err := x.MatchBet(ctx, bet.ID); err != nil && !errors.Is(err, domain.ErrNotMatchable) {
			x.log.Warn("match on place failed", zap.String("bet_id", bet.ID), zap.Error(err))
		}
		if fresh, err := x.GetBet(ctx, bet.ID); err == nil {
			bet = fresh
		}
		return bet, nil
	}

	x.refreshBook(ctx, bet.MarketID)
	return bet, nil
}

// CancelBet cancela o restante não casado; a parte casada fica para a liquidação
func (x *Exchange) CancelBet(ctx context.Context, betID, userID string) (*domain.Bet, error) {
	var (
		bet      *domain.Bet
		refunded decimal.Decimal
	)
	err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBet(ctx, betID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return fmt.Errorf("bet %s: %w", betID, domain.ErrNotOwner)
		}
		if !b.Status.Open() {
			return fmt.Errorf("bet %s is %s: %w", betID, b.Status, domain.ErrBetNotCancellable)
		}

		remaining := b.Remaining()
		ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID, Description: "bet cancelled"}
		switch b.Type {
		case domain.BetBack:
			refunded = remaining
			if _, err := x.balances.RefundBackStake(ctx, tx, b.UserID, remaining, ref); err != nil {
				return err
			}
		case domain.BetLay:
			// libera o que foi reservado menos o que os fills ainda prendem
			matches, err := tx.ListBetMatches(ctx, b.ID)
			if err != nil {
				return err
			}
			refunded = decimal.Max(b.Liability.Sub(domain.MatchedLayLiability(matches)), decimal.Zero)
			if refunded.IsPositive() {
				if _, err := x.balances.ReleaseLayLiability(ctx, tx, b.UserID, refunded, ref); err != nil {
					return err
				}
			}
			b.Liability = b.Liability.Sub(refunded)
		}

		b.Status = domain.BetCancelled
		if err := tx.UpdateBet(ctx, b); err != nil {
			return err
		}
		bet = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	x.log.Info("bet cancelled",
		zap.String("bet_id", bet.ID),
		zap.String("user_id", bet.UserID),
		zap.String("amount", refunded.String()),
	)
	if x.OnCancelled != nil {
		x.OnCancelled()
	}
	x.publish(ctx, "bet_cancelled", func(ctx context.Context, p Publisher) error {
		return p.PublishBetCancelled(ctx, events.BetCancelled{
			BetID:    bet.ID,
			UserID:   bet.UserID,
			MarketID: bet.MarketID,
			Refunded: refunded,
		})
	})
	x.refreshBook(ctx, bet.MarketID)
	return bet, nil
}

// MatchBet aciona o motor diretamente (fora da fila)
func (x *Exchange) MatchBet(ctx context.Context, betID string) (matching.Result, error) {
	res, err := x.matcher.MatchBet(ctx, betID)
	if err != nil {
		return matching.Result{}, err
	}
	x.AfterMatch(ctx, res)
	return res, nil
}

func (x *Exchange) GetBet(ctx context.Context, betID string) (*domain.Bet, error) {
	var bet *domain.Bet
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bet, err = tx.GetBet(ctx, betID)
		return err
	})
	return bet, err
}

// ListUserBets lista as apostas do usuário em ordem de criação
func (x *Exchange) ListUserBets(ctx context.Context, userID string) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		bets, err = tx.ListBets(ctx, store.BetFilter{UserID: userID})
		return err
	})
	return bets, err
}

// ListBetMatches retorna os fills de uma aposta (como BACK ou como LAY)
func (x *Exchange) ListBetMatches(ctx context.Context, betID string) ([]*domain.BetMatch, error) {
	var matches []*domain.BetMatch
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetBet(ctx, betID); err != nil {
			return err
		}
		var err error
		matches, err = tx.ListBetMatches(ctx, betID)
		return err
	})
	return matches, err
}

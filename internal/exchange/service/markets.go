package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
	"github.com/radieske/betting-exchange/internal/exchange/store"
	"github.com/radieske/betting-exchange/pkg/contracts/events"
)

type CreateMarketInput struct {
	EventID    string
	Name       string
	Selections []string
}

// CreateMarket abre um mercado novo (status OPEN)
func (x *Exchange) CreateMarket(ctx context.Context, in CreateMarketInput) (*domain.Market, error) {
	if len(in.Selections) == 0 {
		return nil, fmt.Errorf("%w: market needs at least one selection", domain.ErrInvalidSelection)
	}
	seen := make(map[string]struct{}, len(in.Selections))
	for _, s := range in.Selections {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: empty selection", domain.ErrInvalidSelection)
		}
		if _, dup := seen[s]; dup {
			return nil, fmt.Errorf("%w: duplicated selection %q", domain.ErrInvalidSelection, s)
		}
		seen[s] = struct{}{}
	}

	now := x.now()
	m := &domain.Market{
		ID:         uuid.NewString(),
		EventID:    in.EventID,
		Name:       in.Name,
		Selections: append([]string(nil), in.Selections...),
		Status:     domain.MarketOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertMarket(ctx, m)
	}); err != nil {
		return nil, err
	}
	x.log.Info("market created", zap.String("market_id", m.ID), zap.Strings("selections", m.Selections))
	return m, nil
}

func (x *Exchange) GetMarket(ctx context.Context, marketID string) (*domain.Market, error) {
	var m *domain.Market
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		m, err = tx.GetMarket(ctx, marketID)
		return err
	})
	return m, err
}

// SetMarketStatus aplica a tabela de transições. SETTLED só via SettleMarket;
// CANCELLED anula o mercado e devolve todos os valores.
// Suspender ou fechar não cancela as ordens em aberto, só impede novos casamentos.
func (x *Exchange) SetMarketStatus(ctx context.Context, marketID string, status domain.MarketStatus) (*domain.Market, error) {
	switch status {
	case domain.MarketSettled:
		return nil, fmt.Errorf("market %s: use settlement to reach %s: %w", marketID, status, domain.ErrInvalidTransition)
	case domain.MarketCancelled:
		if _, err := x.settler.VoidMarket(ctx, marketID); err != nil {
			return nil, err
		}
		x.refreshBook(ctx, marketID)
		return x.GetMarket(ctx, marketID)
	case domain.MarketOpen, domain.MarketSuspended, domain.MarketClosed:
	default:
		return nil, fmt.Errorf("market %s: unknown status %q: %w", marketID, status, domain.ErrInvalidTransition)
	}

	var m *domain.Market
	err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if cur.Status == domain.MarketSettled {
			return fmt.Errorf("market %s: %w", marketID, domain.ErrMarketAlreadySettled)
		}
		if !domain.CanTransition(cur.Status, status) {
			return fmt.Errorf("market %s %s -> %s: %w", marketID, cur.Status, status, domain.ErrInvalidTransition)
		}
		cur.Status = status
		if err := tx.UpdateMarket(ctx, cur); err != nil {
			return err
		}
		m = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	x.log.Info("market status changed", zap.String("market_id", marketID), zap.String("status", string(status)))
	return m, nil
}

func (x *Exchange) GetOrderBook(ctx context.Context, marketID, selection string) (orderbook.Book, error) {
	return x.books.GetOrderBook(ctx, marketID, selection)
}

// SettleMarket liquida o mercado e retorna quantas apostas FULLY/PARTIALLY_MATCHED foram resolvidas
func (x *Exchange) SettleMarket(ctx context.Context, marketID, winningSelection string) (int, error) {
	res, err := x.settler.Settle(ctx, marketID, winningSelection)
	if err != nil {
		return 0, err
	}
	x.publish(ctx, "market_settled", func(ctx context.Context, p Publisher) error {
		return p.PublishMarketSettled(ctx, events.MarketSettled{
			MarketID:              res.MarketID,
			WinningSelection:      res.WinningSelection,
			SettledCount:          res.SettledCount,
			SettledCancelledCount: res.SettledCancelledCount,
			CancelledCount:        res.CancelledCount,
		})
	})
	x.refreshBook(ctx, marketID)
	return res.SettledCount, nil
}

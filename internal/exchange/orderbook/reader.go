package orderbook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

var openStatuses = []domain.BetStatus{domain.BetUnmatched, domain.BetPartiallyMatched}

// Reader monta o livro a partir do store, com cache Redis opcional (nil desliga)
type Reader struct {
	store store.Store
	cache *Cache
	log   *zap.Logger
}

func NewReader(st store.Store, cache *Cache, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{store: st, cache: cache, log: log}
}

// GetOrderBook retorna o livro do mercado, opcionalmente filtrado por seleção
func (r *Reader) GetOrderBook(ctx context.Context, marketID, selection string) (Book, error) {
	if r.cache != nil {
		book, ok, err := r.cache.Get(ctx, marketID, selection)
		if err != nil {
			r.log.Warn("orderbook cache get failed", zap.String("market_id", marketID), zap.Error(err))
		} else if ok {
			return book, nil
		}
	}

	book, err := r.load(ctx, marketID, selection)
	if err != nil {
		return Book{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, book); err != nil {
			r.log.Warn("orderbook cache set failed", zap.String("market_id", marketID), zap.Error(err))
		}
	}
	return book, nil
}

func (r *Reader) load(ctx context.Context, marketID, selection string) (Book, error) {
	var book Book
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetMarket(ctx, marketID); err != nil {
			return err
		}
		bets, err := tx.ListBets(ctx, store.BetFilter{MarketID: marketID, Selection: selection, Statuses: openStatuses})
		if err != nil {
			return err
		}
		book = Build(marketID, selection, bets)
		return nil
	})
	return book, err
}

// Refresh regrava no cache o livro do mercado e de cada seleção e publica o livro atualizado.
// Best-effort: roda depois do commit, falhas só são logadas.
func (r *Reader) Refresh(ctx context.Context, marketID string) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
	defer cancel()

	books, err := r.loadAll(ctx, marketID)
	if err != nil {
		r.log.Warn("orderbook reload failed", zap.String("market_id", marketID), zap.Error(err))
		if err := r.cache.Invalidate(ctx, marketID); err != nil {
			r.log.Warn("orderbook cache invalidate failed", zap.String("market_id", marketID), zap.Error(err))
		}
		return
	}
	if err := r.cache.Replace(ctx, marketID, books...); err != nil {
		r.log.Warn("orderbook cache replace failed", zap.String("market_id", marketID), zap.Error(err))
		if err := r.cache.Invalidate(ctx, marketID); err != nil {
			r.log.Warn("orderbook cache invalidate failed", zap.String("market_id", marketID), zap.Error(err))
		}
	}
	if err := r.cache.Publish(ctx, books[0]); err != nil {
		r.log.Warn("orderbook broadcast publish failed", zap.String("market_id", marketID), zap.Error(err))
	}
}

// loadAll monta numa só leitura o livro completo (primeiro) e o de cada seleção do mercado
func (r *Reader) loadAll(ctx context.Context, marketID string) ([]Book, error) {
	var books []Book
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		bets, err := tx.ListBets(ctx, store.BetFilter{MarketID: marketID, Statuses: openStatuses})
		if err != nil {
			return err
		}
		books = append(books, Build(marketID, "", bets))
		for _, sel := range m.Selections {
			books = append(books, Build(marketID, sel, bets))
		}
		return nil
	})
	return books, err
}

package store

import (
	"context"
	"time"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

// BetFilter restringe consultas de apostas; campos vazios não filtram
type BetFilter struct {
	MarketID      string
	UserID        string
	Selection     string
	Type          domain.BetType
	Statuses      []domain.BetStatus
	ExcludeUserID string
}

// Tx agrupa as leituras/escritas do ledger executadas dentro de uma transação serializável.
// Todo Update* é condicionado à versão lida e retorna domain.ErrVersionConflict se ela mudou.
type Tx interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	InsertUser(ctx context.Context, u *domain.User) error
	UpdateUser(ctx context.Context, u *domain.User) error
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, userID string) ([]*domain.Transaction, error)

	GetMarket(ctx context.Context, id string) (*domain.Market, error)
	InsertMarket(ctx context.Context, m *domain.Market) error
	UpdateMarket(ctx context.Context, m *domain.Market) error

	GetBet(ctx context.Context, id string) (*domain.Bet, error)
	InsertBet(ctx context.Context, b *domain.Bet) error
	UpdateBet(ctx context.Context, b *domain.Bet) error
	// ListBets retorna as apostas em ordem de criação (FIFO)
	ListBets(ctx context.Context, f BetFilter) ([]*domain.Bet, error)

	InsertBetMatch(ctx context.Context, m *domain.BetMatch) error
	ListBetMatches(ctx context.Context, betID string) ([]*domain.BetMatch, error)

	NextQueuePosition(ctx context.Context) (int64, error)
}

// QueueStats conta apostas por processingStatus
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
}

// QueueStore cobre a fila FIFO de casamento
type QueueStore interface {
	// ClaimQueued marca até limit apostas QUEUED como PROCESSING e as retorna por posição na fila
	ClaimQueued(ctx context.Context, limit int) ([]*domain.Bet, error)
	// Enqueue (re)coloca a aposta no fim da fila com a próxima posição da sequência
	Enqueue(ctx context.Context, betID string) (int64, error)
	SetProcessingStatus(ctx context.Context, betID string, status domain.ProcessingStatus) error
	RequeueFailed(ctx context.Context) (int, error)
	// RequeueProcessing devolve à fila apostas em PROCESSING sem atividade há mais de olderThan
	RequeueProcessing(ctx context.Context, olderThan time.Duration) (int, error)
	QueueStats(ctx context.Context) (QueueStats, error)
}

// Store é o ledger persistido usado pelo motor
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	QueueStore

	AcquireMarketLock(ctx context.Context, marketID, token string, ttl time.Duration) (bool, error)
	ReleaseMarketLock(ctx context.Context, marketID, token string) error
}

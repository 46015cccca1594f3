package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetType indica o lado da aposta: BACK (a favor) ou LAY (contra, atuando como banca)
type BetType string

const (
	BetBack BetType = "BACK"
	BetLay  BetType = "LAY"
)

// Opposite retorna o lado contrário (contraparte no casamento)
func (t BetType) Opposite() BetType {
	if t == BetBack {
		return BetLay
	}
	return BetBack
}

func (t BetType) Valid() bool { return t == BetBack || t == BetLay }

type BetStatus string

const (
	BetUnmatched        BetStatus = "UNMATCHED"
	BetPartiallyMatched BetStatus = "PARTIALLY_MATCHED"
	BetFullyMatched     BetStatus = "FULLY_MATCHED"
	BetCancelled        BetStatus = "CANCELLED"
	BetWon              BetStatus = "WON"
	BetLost             BetStatus = "LOST"
)

// Open indica se a aposta ainda está no livro (pode casar ou ser cancelada)
func (s BetStatus) Open() bool {
	return s == BetUnmatched || s == BetPartiallyMatched
}

// Terminal indica estados imutáveis
func (s BetStatus) Terminal() bool {
	switch s {
	case BetCancelled, BetWon, BetLost:
		return true
	case BetUnmatched, BetPartiallyMatched, BetFullyMatched:
		return false
	}
	return false
}

type ProcessingStatus string

const (
	ProcessingQueued     ProcessingStatus = "QUEUED"
	ProcessingInProgress ProcessingStatus = "PROCESSING"
	ProcessingProcessed  ProcessingStatus = "PROCESSED"
	ProcessingFailed     ProcessingStatus = "FAILED"
)

type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed    MarketStatus = "CLOSED"
	MarketCancelled MarketStatus = "CANCELLED"
	MarketSettled   MarketStatus = "SETTLED"
)

func (s MarketStatus) Terminal() bool {
	return s == MarketSettled || s == MarketCancelled
}

type TransactionType string

const (
	TxReserve    TransactionType = "RESERVE"
	TxRelease    TransactionType = "RELEASE"
	TxRefund     TransactionType = "REFUND"
	TxWinning    TransactionType = "WINNING"
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxBet        TransactionType = "BET"
)

const TxStatusCompleted = "COMPLETED"

// User guarda os três saldos do usuário.
// Balance: patrimônio; AvailableBalance: disponível para apostar;
// ReservedBalance: responsabilidade (liability) de lays em aberto.
type User struct {
	ID               string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	ReservedBalance  decimal.Decimal
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Market struct {
	ID               string
	EventID          string
	Name             string
	Selections       []string
	Status           MarketStatus
	Locked           bool
	LockedAt         *time.Time
	LockToken        string
	Version          int64
	WinningSelection string
	SettledAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasSelection verifica se a seleção pertence ao mercado
func (m *Market) HasSelection(selection string) bool {
	for _, s := range m.Selections {
		if s == selection {
			return true
		}
	}
	return false
}

type Bet struct {
	ID                string
	UserID            string
	MarketID          string
	Selection         string
	Type              BetType
	Amount            decimal.Decimal
	Odds              decimal.Decimal
	MatchedAmount     decimal.Decimal
	Liability         decimal.Decimal // apenas LAY: responsabilidade ainda reservada para esta aposta
	PotentialWinnings decimal.Decimal
	Status            BetStatus
	QueuePosition     int64
	ProcessingStatus  ProcessingStatus
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SettledAt         *time.Time
}

// Remaining retorna a parte ainda não casada do stake
func (b *Bet) Remaining() decimal.Decimal {
	return b.Amount.Sub(b.MatchedAmount)
}

// BetMatch liga exatamente uma aposta BACK a uma LAY; nunca é alterado depois de criado.
type BetMatch struct {
	ID        string
	MarketID  string
	BackBetID string
	LayBetID  string
	Amount    decimal.Decimal
	Odds      decimal.Decimal
	CreatedAt time.Time
}

// Transaction é a entrada append-only do ledger; um registro por movimentação de saldo.
type Transaction struct {
	ID             string
	UserID         string
	Type           TransactionType
	Amount         decimal.Decimal
	Status         string
	BetID          string
	MarketID       string
	Description    string
	BalanceAfter   decimal.Decimal
	AvailableAfter decimal.Decimal
	ReservedAfter  decimal.Decimal
	CreatedAt      time.Time
}

// BalanceView é a visão pública dos saldos de um usuário
type BalanceView struct {
	UserID           string          `json:"userId"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	ReservedBalance  decimal.Decimal `json:"reservedBalance"`
}

package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

// Envelope é o formato único de resposta: {success, data | error}
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BetResponse struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	MarketID          string          `json:"marketId"`
	Selection         string          `json:"selection"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Odds              decimal.Decimal `json:"odds"`
	MatchedAmount     decimal.Decimal `json:"matchedAmount"`
	Liability         decimal.Decimal `json:"liability"`
	PotentialWinnings decimal.Decimal `json:"potentialWinnings"`
	Status            string          `json:"status"`
	QueuePosition     int64           `json:"queuePosition"`
	ProcessingStatus  string          `json:"processingStatus"`
	CreatedAt         time.Time       `json:"createdAt"`
	SettledAt         *time.Time      `json:"settledAt,omitempty"`
}

func NewBetResponse(b *domain.Bet) BetResponse {
	return BetResponse{
		ID:                b.ID,
		UserID:            b.UserID,
		MarketID:          b.MarketID,
		Selection:         b.Selection,
		Type:              string(b.Type),
		Amount:            b.Amount,
		Odds:              b.Odds,
		MatchedAmount:     b.MatchedAmount,
		Liability:         b.Liability,
		PotentialWinnings: b.PotentialWinnings,
		Status:            string(b.Status),
		QueuePosition:     b.QueuePosition,
		ProcessingStatus:  string(b.ProcessingStatus),
		CreatedAt:         b.CreatedAt,
		SettledAt:         b.SettledAt,
	}
}

func NewBetList(bets []*domain.Bet) []BetResponse {
	out := make([]BetResponse, 0, len(bets))
	for _, b := range bets {
		out = append(out, NewBetResponse(b))
	}
	return out
}

type MarketResponse struct {
	ID               string     `json:"id"`
	EventID          string     `json:"eventId"`
	Name             string     `json:"name"`
	Selections       []string   `json:"selections"`
	Status           string     `json:"status"`
	WinningSelection string     `json:"winningSelection,omitempty"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
}

func NewMarketResponse(m *domain.Market) MarketResponse {
	return MarketResponse{
		ID:               m.ID,
		EventID:          m.EventID,
		Name:             m.Name,
		Selections:       m.Selections,
		Status:           string(m.Status),
		WinningSelection: m.WinningSelection,
		SettledAt:        m.SettledAt,
	}
}

type MatchResponse struct {
	ID        string          `json:"id"`
	BackBetID string          `json:"backBetId"`
	LayBetID  string          `json:"layBetId"`
	Amount    decimal.Decimal `json:"amount"`
	Odds      decimal.Decimal `json:"odds"`
	CreatedAt time.Time       `json:"createdAt"`
}

func NewMatchList(ms []*domain.BetMatch) []MatchResponse {
	out := make([]MatchResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, MatchResponse{
			ID:        m.ID,
			BackBetID: m.BackBetID,
			LayBetID:  m.LayBetID,
			Amount:    m.Amount,
			Odds:      m.Odds,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

type MatchResultResponse struct {
	BetID         string          `json:"betId"`
	MatchedAmount decimal.Decimal `json:"matchedAmount"`
	Matches       []MatchResponse `json:"matches"`
}

type SettleResponse struct {
	MarketID     string `json:"marketId"`
	SettledCount int    `json:"settledCount"`
}

type CountResponse struct {
	Count int `json:"count"`
}

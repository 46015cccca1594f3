package events

import "github.com/shopspring/decimal"

// Um evento por fill (BetMatch) criado pelo motor de casamento.
type BetMatched struct {
	MatchID   string          `json:"match_id"`
	MarketID  string          `json:"market_id"`
	BackBetID string          `json:"back_bet_id"`
	LayBetID  string          `json:"lay_bet_id"`
	Amount    decimal.Decimal `json:"amount"`
	Odds      decimal.Decimal `json:"odds"`
	TsUnixMs  int64           `json:"ts_unix_ms"`
}

package events

import "github.com/shopspring/decimal"

type BetCancelled struct {
	BetID    string          `json:"bet_id"`
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Refunded decimal.Decimal `json:"refunded"` // stake devolvido (BACK) ou liability liberada (LAY)
	TsUnixMs int64           `json:"ts_unix_ms"`
}

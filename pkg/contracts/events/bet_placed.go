package events

import "github.com/shopspring/decimal"

// Evento publicado após a colocação de uma aposta (já com saldo debitado/reservado).
type BetPlaced struct {
	BetID         string          `json:"bet_id"`
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	Selection     string          `json:"selection"`
	Type          string          `json:"type"` // "BACK" | "LAY"
	Amount        decimal.Decimal `json:"amount"`
	Odds          decimal.Decimal `json:"odds"`
	Liability     decimal.Decimal `json:"liability"`
	QueuePosition int64           `json:"queue_position"`
	TsUnixMs      int64           `json:"ts_unix_ms"`
}

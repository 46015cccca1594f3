package events

// Evento publicado no tópico "market_settled"
type MarketSettled struct {
	MarketID              string `json:"market_id"`
	WinningSelection      string `json:"winning_selection"`
	SettledCount          int    `json:"settled_count"`
	SettledCancelledCount int    `json:"settled_cancelled_count"`
	CancelledCount        int    `json:"cancelled_count"`
	TsUnixMs              int64  `json:"ts_unix_ms"`
}

package ws

// ClientMsg representa uma mensagem recebida do cliente WebSocket
type ClientMsg struct {
	Type     string `json:"type"`     // subscribe | unsubscribe | ping
	MarketID string `json:"marketId"` // requerido em subscribe/unsubscribe
}

// ServerMsg é o que o hub envia ao cliente
type ServerMsg struct {
	Type     string `json:"type"` // orderbook | pong
	MarketID string `json:"marketId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
)

// conn serializa as escritas: o gorilla não aceita writers concorrentes
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Hub gerencia conexões WebSocket e assinaturas de livros de mercado
// subs: mapeia marketID para o conjunto de conexões inscritas
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[string]map[*conn]struct{}
}

// NewHub cria uma instância de Hub com política customizada de origem (CORS)
func NewHub(log *zap.Logger, allowOrigin func(r *http.Request) bool) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: allowOrigin},
		subs:     make(map[string]map[*conn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.HandleWS(w, r) }

// HandleWS gerencia o ciclo de vida de uma conexão WebSocket.
// Cada cliente pode se inscrever em vários mercados.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	for {
		var msg ClientMsg
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "subscribe":
			h.mu.Lock()
			if _, ok := h.subs[msg.MarketID]; !ok {
				h.subs[msg.MarketID] = make(map[*conn]struct{})
			}
			h.subs[msg.MarketID][c] = struct{}{}
			h.mu.Unlock()
		case "unsubscribe":
			h.unsubscribe(msg.MarketID, c)
		case "ping":
			_ = c.writeJSON(ServerMsg{Type: "pong"})
		}
	}

	// Remove a conexão de todas as assinaturas ao desconectar
	h.mu.Lock()
	for id, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(marketID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[marketID]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(h.subs, marketID)
		}
	}
}

// Subscribers retorna quantas conexões acompanham o mercado
func (h *Hub) Subscribers(marketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[marketID])
}

// Broadcast envia o livro atualizado para os inscritos no mercado
func (h *Hub) Broadcast(update orderbook.Update) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.subs[update.MarketID]))
	for c := range h.subs[update.MarketID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := ServerMsg{Type: "orderbook", MarketID: update.MarketID, Payload: update.Book}
	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			h.log.Debug("ws write failed", zap.String("market_id", update.MarketID), zap.Error(err))
		}
	}
}

package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// subscribe só retorna depois que o hub processou a inscrição (o pong vem depois dela)
func subscribe(t *testing.T, c *websocket.Conn, marketID string) {
	t.Helper()
	require.NoError(t, c.WriteJSON(ClientMsg{Type: "subscribe", MarketID: marketID}))
	require.NoError(t, c.WriteJSON(ClientMsg{Type: "ping"}))
	var pong ServerMsg
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, c.ReadJSON(&pong))
	require.Equal(t, "pong", pong.Type)
}

func sampleUpdate(marketID string) orderbook.Update {
	return orderbook.Update{
		MarketID: marketID,
		Book: orderbook.Book{
			MarketID:   marketID,
			BackLevels: []orderbook.Level{{Selection: "A", Odds: decimal.RequireFromString("2.5"), Amount: decimal.RequireFromString("30"), Orders: 1}},
			LayLevels:  []orderbook.Level{},
		},
	}
}

func TestHub_BroadcastOnlyToSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c1, c2 := dial(t, srv), dial(t, srv)
	subscribe(t, c1, "m1")
	subscribe(t, c2, "m2")
	assert.Equal(t, 1, hub.Subscribers("m1"))

	hub.Broadcast(sampleUpdate("m1"))

	var msg struct {
		Type     string         `json:"type"`
		MarketID string         `json:"marketId"`
		Payload  orderbook.Book `json:"payload"`
	}
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, c1.ReadJSON(&msg))
	assert.Equal(t, "orderbook", msg.Type)
	assert.Equal(t, "m1", msg.MarketID)
	require.Len(t, msg.Payload.BackLevels, 1)
	assert.True(t, msg.Payload.BackLevels[0].Amount.Equal(decimal.RequireFromString("30")))

	// c2 não recebe nada além do próprio pong
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var none ServerMsg
	assert.Error(t, c2.ReadJSON(&none))
}

func TestHub_UnsubscribeAndDisconnect(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c := dial(t, srv)
	subscribe(t, c, "m1")
	require.Equal(t, 1, hub.Subscribers("m1"))

	require.NoError(t, c.WriteJSON(ClientMsg{Type: "unsubscribe", MarketID: "m1"}))
	require.NoError(t, c.WriteJSON(ClientMsg{Type: "ping"}))
	var pong ServerMsg
	require.NoError(t, c.ReadJSON(&pong))
	assert.Zero(t, hub.Subscribers("m1"))

	subscribe(t, c, "m1")
	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("m1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartRedisSubscriber_ForwardsCacheBroadcast(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	c := dial(t, srv)
	subscribe(t, c, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRedisSubscriber(ctx, nil, client, hub)

	cache := orderbook.NewCache(client, time.Second)
	upd := sampleUpdate("m1")

	got := make(chan ServerMsg, 1)
	go func() {
		var msg ServerMsg
		if err := c.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	// a inscrição no Redis é assíncrona: republica até o hub receber
	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, cache.Publish(ctx, upd.Book))
		select {
		case msg := <-got:
			assert.Equal(t, "orderbook", msg.Type)
			assert.Equal(t, "m1", msg.MarketID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("update not forwarded to websocket client")
		}
	}
}

package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/orderbook"
)

// StartRedisSubscriber escuta o canal de broadcast do livro e repassa cada
// atualização para os clientes do Hub. Encerra quando ctx é cancelado.
func StartRedisSubscriber(ctx context.Context, log *zap.Logger, r *redis.Client, hub *Hub) {
	if log == nil {
		log = zap.NewNop()
	}
	sub := r.Subscribe(ctx, orderbook.ChannelBroadcast)
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var upd orderbook.Update
				if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
					log.Warn("ws subscriber unmarshal error", zap.Error(err))
					continue
				}
				hub.Broadcast(upd)
			}
		}
	}()
}

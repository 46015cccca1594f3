package orderbook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChannelBroadcast é o canal Pub/Sub consumido pelo hub de WebSocket
const ChannelBroadcast = "orderbook_updates_broadcast"

// Update é a mensagem publicada a cada mudança no livro de um mercado
type Update struct {
	MarketID string `json:"marketId"`
	Book     Book   `json:"book"`
}

// Cache guarda livros já montados no Redis (um hash por mercado, campo = seleção)
// e publica as atualizações para os assinantes do mercado.
type Cache struct {
	Client  *redis.Client
	TTL     time.Duration
	Channel string
}

func NewCache(c *redis.Client, ttl time.Duration) *Cache {
	return &Cache{Client: c, TTL: ttl, Channel: ChannelBroadcast}
}

func key(marketID string) string { return "orderbook:market:" + marketID }

func field(selection string) string {
	if selection == "" {
		return "*"
	}
	return selection
}

func (c *Cache) Get(ctx context.Context, marketID, selection string) (Book, bool, error) {
	b, err := c.Client.HGet(ctx, key(marketID), field(selection)).Bytes()
	if err == redis.Nil {
		return Book{}, false, nil
	}
	if err != nil {
		return Book{}, false, err
	}
	var book Book
	if err := json.Unmarshal(b, &book); err != nil {
		return Book{}, false, err
	}
	return book, true, nil
}

// Set grava o livro só se a seleção ainda não estiver em cache: uma leitura
// montada antes de um Replace não sobrescreve o livro mais novo.
func (c *Cache) Set(ctx context.Context, book Book) error {
	b, err := json.Marshal(book)
	if err != nil {
		return err
	}
	pipe := c.Client.TxPipeline()
	pipe.HSetNX(ctx, key(book.MarketID), field(book.Selection), b)
	pipe.Expire(ctx, key(book.MarketID), c.TTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Replace troca de uma vez todas as seleções em cache do mercado pelos livros dados
func (c *Cache) Replace(ctx context.Context, marketID string, books ...Book) error {
	values := make([]any, 0, 2*len(books))
	for _, book := range books {
		b, err := json.Marshal(book)
		if err != nil {
			return err
		}
		values = append(values, field(book.Selection), b)
	}
	pipe := c.Client.TxPipeline()
	pipe.Del(ctx, key(marketID))
	if len(values) > 0 {
		pipe.HSet(ctx, key(marketID), values...)
		pipe.Expire(ctx, key(marketID), c.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate descarta todas as seleções em cache do mercado
func (c *Cache) Invalidate(ctx context.Context, marketID string) error {
	return c.Client.Del(ctx, key(marketID)).Err()
}

func (c *Cache) Publish(ctx context.Context, book Book) error {
	b, err := json.Marshal(Update{MarketID: book.MarketID, Book: book})
	if err != nil {
		return err
	}
	return c.Client.Publish(ctx, c.Channel, b).Err()
}

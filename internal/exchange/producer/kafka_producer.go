package producer

import (
	"context"
	"time"

	skafka "github.com/radieske/betting-exchange/internal/shared/kafka"
	"github.com/radieske/betting-exchange/pkg/contracts/events"
	"github.com/radieske/betting-exchange/pkg/contracts/topics"
)

// Topics permite sobrescrever os nomes dos tópicos via config
type Topics struct {
	BetPlaced     string
	BetMatched    string
	BetCancelled  string
	MarketSettled string
}

func DefaultTopics() Topics {
	return Topics{
		BetPlaced:     topics.BetPlaced,
		BetMatched:    topics.BetMatched,
		BetCancelled:  topics.BetCancelled,
		MarketSettled: topics.MarketSettled,
	}
}

// KafkaPublisher publica os eventos do exchange. A chave é sempre o mercado,
// então os eventos de um mesmo mercado chegam em ordem.
type KafkaPublisher struct {
	Writer skafka.MessageWriter
	Topics Topics
	now    func() time.Time
}

func NewKafkaPublisher(w skafka.MessageWriter, t Topics) *KafkaPublisher {
	return &KafkaPublisher{Writer: w, Topics: t, now: time.Now}
}

func (p *KafkaPublisher) PublishBetPlaced(ctx context.Context, e events.BetPlaced) error {
	e.TsUnixMs = p.now().UnixMilli()
	return skafka.WriteJSON(ctx, p.Writer, p.Topics.BetPlaced, e.MarketID, e)
}

func (p *KafkaPublisher) PublishBetMatched(ctx context.Context, e events.BetMatched) error {
	e.TsUnixMs = p.now().UnixMilli()
	return skafka.WriteJSON(ctx, p.Writer, p.Topics.BetMatched, e.MarketID, e)
}

func (p *KafkaPublisher) PublishBetCancelled(ctx context.Context, e events.BetCancelled) error {
	e.TsUnixMs = p.now().UnixMilli()
	return skafka.WriteJSON(ctx, p.Writer, p.Topics.BetCancelled, e.MarketID, e)
}

func (p *KafkaPublisher) PublishMarketSettled(ctx context.Context, e events.MarketSettled) error {
	e.TsUnixMs = p.now().UnixMilli()
	return skafka.WriteJSON(ctx, p.Writer, p.Topics.MarketSettled, e.MarketID, e)
}

package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"betting-exchange/pkg/contracts/events"
	"betting-exchange/pkg/contracts/topics"
)

// Publisher emits domain events to Kafka. A nil *Publisher drops everything,
// so the engine publishes unconditionally and local runs need no broker.
type Publisher struct {
	writer *kafka.Writer
}

func New(brokers []string) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, topic, key string, payload any) error {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
	})
}

func (p *Publisher) BetPlaced(ctx context.Context, e events.BetPlaced) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return p.publish(ctx, topics.BetPlaced, e.MarketID, e)
}

func (p *Publisher) BetMatched(ctx context.Context, e events.BetMatched) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return p.publish(ctx, topics.BetMatched, e.MarketID, e)
}

func (p *Publisher) MarketChanged(ctx context.Context, e events.MarketChanged) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return p.publish(ctx, topics.MarketChanged, e.MarketID, e)
}

func (p *Publisher) MarketSettled(ctx context.Context, e events.MarketSettled) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return p.publish(ctx, topics.MarketSettled, e.MarketID, e)
}

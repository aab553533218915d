package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/spot-exchange/internal/model"
)

// DefaultTopic is the topic settled trades are published to.
const DefaultTopic = "trades.settled"

// KafkaSink publishes settled trades to a Kafka topic keyed by trade ID.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver implements Sink.
func (s *KafkaSink) Deliver(ctx context.Context, p model.TradeSettled) error {
	msg, err := kafkaMessage(p)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(p model.TradeSettled) (kafka.Message, error) {
	value, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(p.Trade.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(EventOrderMatched)},
		},
		Time: p.Trade.ExecutedAt,
	}, nil
}

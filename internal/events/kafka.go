package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes one message per committed mutation, keyed by
// provider id so events for one provider stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			ErrorLogger:  kafka.LoggerFunc(log.Printf),
		},
	}
}

func (p *KafkaPublisher) PublishChange(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.ProviderID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write change event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer hands each change event to a handler. Offsets commit
// after the handler returns, so a crash mid-handling causes redelivery
// rather than loss.
type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     time.Second,
			ErrorLogger: kafka.LoggerFunc(log.Printf),
		}),
	}
}

// Run consumes until ctx is cancelled. Handler errors are logged and the
// message is committed anyway: invalidation is best-effort and the cache
// TTL bounds staleness.
func (c *KafkaConsumer) Run(ctx context.Context, handle func(ctx context.Context, ev ChangeEvent) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch change event: %w", err)
		}

		var ev ChangeEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("skipping malformed change event at offset %d: %v", msg.Offset, err)
		} else if err := handle(ctx, ev); err != nil {
			log.Printf("change event handler error for appointment %s: %v", ev.AppointmentID, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

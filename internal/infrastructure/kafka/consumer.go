package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"livechat/internal/domain"

	"github.com/segmentio/kafka-go"
)

// MessageHandler receives messages other services post into a chat session.
type MessageHandler interface {
	HandleInboundMessage(ctx context.Context, msg domain.InboundMessage) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConsumer struct {
	readers []messageReader
	handler MessageHandler
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) *KafkaConsumer {
	var readers []messageReader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
	}
}

// Start runs one goroutine per topic until ctx is cancelled.
func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go func(reader messageReader) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Recovered from panic in Kafka consumer goroutine: %v", r)
				}
			}()

			for {
				m, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, context.Canceled) {
						log.Printf("Kafka consumer stopping...")
						return
					}
					if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
						log.Printf("Kafka group rebalancing, continuing...")
						continue
					}
					log.Printf("Error reading Kafka message: %v", err)
					time.Sleep(time.Second)
					continue
				}

				if k.handler != nil {
					k.handleMessage(ctx, m.Topic, m.Value)
				}
			}
		}(k.readers[i])
	}

	return nil
}

func (k *KafkaConsumer) handleMessage(ctx context.Context, topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in handleMessage for topic %s: %v", topic, r)
		}
	}()

	switch topic {
	case TopicInboundMessages:
		var msg domain.InboundMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			log.Printf("Error unmarshaling inbound message: %v", err)
			return
		}
		if err := k.handler.HandleInboundMessage(ctx, msg); err != nil {
			log.Printf("Failed to handle inbound message for session %s: %v", msg.SessionID, err)
		}

	default:
		log.Printf("Unknown topic: %s", topic)
	}
}

func (k *KafkaConsumer) Close() error {
	for i := range k.readers {
		if err := k.readers[i].Close(); err != nil {
			log.Printf("Error closing Kafka reader: %v", err)
		}
	}
	return nil
}

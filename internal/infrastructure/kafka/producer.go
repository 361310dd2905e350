package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"livechat/internal/domain"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	TopicChatMessages     = "chat-messages"
	TopicTypingIndicators = "typing-indicators"
	TopicConnectionStatus = "connection-status"
	TopicSessionEvents    = "session-events"
	TopicAssignmentEvents = "assignment-events"
	TopicInboundMessages  = "inbound-messages"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	Writer messageWriter
}

func NewKafkaProducer(brokers []string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// Events never hold up chat operations; failures are logged.
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Printf("Failed to deliver %d message(s) to Kafka: %v", len(messages), err)
			}
		},
	}
	return &KafkaProducer{Writer: writer}
}

// Publish writes event to the topic matching its type. Messages are keyed by
// session so each session's events stay ordered within a partition.
func (k *KafkaProducer) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := TopicFor(event)
	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}
	if id, ok := sessionKey(event); ok {
		msg.Key = []byte(id.String())
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("Failed to send message to Kafka topic %s: %v", topic, err)
		return err
	}
	return nil
}

// TopicFor determines the topic from the event type.
func TopicFor(event interface{}) string {
	switch event.(type) {
	case domain.ChatMessageEvent, *domain.ChatMessageEvent:
		return TopicChatMessages
	case domain.TypingEvent, *domain.TypingEvent:
		return TopicTypingIndicators
	case domain.ConnectionStatusEvent, *domain.ConnectionStatusEvent:
		return TopicConnectionStatus
	case domain.SessionEvent, *domain.SessionEvent:
		return TopicSessionEvents
	case domain.AssignmentEvent, *domain.AssignmentEvent:
		return TopicAssignmentEvents
	default:
		return TopicChatMessages
	}
}

func sessionKey(event interface{}) (uuid.UUID, bool) {
	switch e := event.(type) {
	case domain.ChatMessageEvent:
		return e.Message.SessionID, true
	case domain.TypingEvent:
		return e.SessionID, true
	case domain.ConnectionStatusEvent:
		return e.SessionID, true
	case domain.SessionEvent:
		return e.SessionID, true
	case domain.AssignmentEvent:
		return e.SessionID, true
	}
	return uuid.Nil, false
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}

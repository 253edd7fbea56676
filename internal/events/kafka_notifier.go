// Package events publishes ledger events to Kafka for downstream consumers
// such as push notification workers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/vedran77/relay/internal/domain"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Record is the value written for every event. The message key is the
// conversation id so one conversation always lands on one partition.
type Record struct {
	Type           string          `json:"type"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Participants   []uuid.UUID     `json:"participants"`
	Message        *domain.Message `json:"message"`
	Timestamp      time.Time       `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier implements service.Notifier for the message lifecycle
// events; the remaining notifications are real-time only and ignored.
type KafkaNotifier struct {
	writer messageWriter
	log    *zap.Logger
}

// NewWriter builds an async writer; delivery errors surface through the
// completion callback.
func NewWriter(brokers []string, topic string, log *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("kafka delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
}

func NewKafkaNotifier(writer messageWriter, log *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, log: log}
}

func (n *KafkaNotifier) NotifyNewMessage(conv *domain.Conversation, msg *domain.Message) {
	n.publish("new_message", conv, msg)
}

func (n *KafkaNotifier) NotifyEditedMessage(conv *domain.Conversation, msg *domain.Message) {
	n.publish("message_edited", conv, msg)
}

func (n *KafkaNotifier) NotifyDeletedMessage(conv *domain.Conversation, msg *domain.Message) {
	n.publish("message_deleted", conv, msg)
}

func (n *KafkaNotifier) NotifyReactionUpdated(*domain.Conversation, uuid.UUID, []domain.Reaction) {}

func (n *KafkaNotifier) NotifyMessageRead(*domain.Conversation, uuid.UUID, uuid.UUID, time.Time) {}

func (n *KafkaNotifier) NotifyConversationRead(*domain.Conversation, uuid.UUID, []uuid.UUID, time.Time) {
}

func (n *KafkaNotifier) NotifyConversationUpdated(*domain.Conversation, ...uuid.UUID) {}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func (n *KafkaNotifier) publish(eventType string, conv *domain.Conversation, msg *domain.Message) {
	value, err := json.Marshal(Record{
		Type:           eventType,
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		Message:        msg,
		Timestamp:      time.Now(),
	})
	if err != nil {
		n.log.Error("marshal kafka record", zap.String("type", eventType), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(conv.ID.String()),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		n.log.Warn("kafka publish failed",
			zap.String("type", eventType),
			zap.Stringer("conversation_id", conv.ID),
			zap.Error(err),
		)
	}
}

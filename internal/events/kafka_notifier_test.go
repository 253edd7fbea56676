package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
	"go.uber.org/zap"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

var _ service.Notifier = (*KafkaNotifier)(nil)

func TestPublishesLedgerEventsKeyedByConversation(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifier(w, zap.NewNop())

	conv := &domain.Conversation{ID: uuid.New(), Participants: []uuid.UUID{uuid.New(), uuid.New()}}
	msg := &domain.Message{ID: uuid.New(), ConversationID: conv.ID, Content: "hi", Type: domain.MessageText}

	n.NotifyNewMessage(conv, msg)
	n.NotifyEditedMessage(conv, msg)
	n.NotifyDeletedMessage(conv, msg)
	n.NotifyReactionUpdated(conv, msg.ID, nil)
	n.NotifyConversationUpdated(conv)

	require.Len(t, w.messages, 3)
	assert.Equal(t, conv.ID.String(), string(w.messages[0].Key))

	var rec Record
	require.NoError(t, json.Unmarshal(w.messages[1].Value, &rec))
	assert.Equal(t, "message_edited", rec.Type)
	assert.Equal(t, conv.ID, rec.ConversationID)
	assert.Equal(t, msg.ID, rec.Message.ID)
	assert.Len(t, rec.Participants, 2)
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	n := NewKafkaNotifier(w, zap.NewNop())

	conv := &domain.Conversation{ID: uuid.New()}
	assert.NotPanics(t, func() {
		n.NotifyNewMessage(conv, &domain.Message{ID: uuid.New()})
	})
	assert.Empty(t, w.messages)
}

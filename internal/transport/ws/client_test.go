package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// fakeLedger records calls and returns sendErr from Send when set.
type fakeLedger struct {
	sendErr   error
	sent      []service.SendMessageInput
	reactions []string
	removed   int
}

func (l *fakeLedger) Send(_ context.Context, conversationID, senderID uuid.UUID, input service.SendMessageInput) (*domain.Message, error) {
	if l.sendErr != nil {
		return nil, l.sendErr
	}
	l.sent = append(l.sent, input)
	return &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        input.Content,
		Nonce:          input.Nonce,
		CreatedAt:      time.Now(),
	}, nil
}

func (l *fakeLedger) Edit(context.Context, uuid.UUID, uuid.UUID, string) (*domain.Message, error) {
	return nil, service.ErrNotMessageOwner
}

func (l *fakeLedger) SoftDelete(context.Context, uuid.UUID, uuid.UUID) (*domain.Message, error) {
	return &domain.Message{}, nil
}

func (l *fakeLedger) AddReaction(_ context.Context, _ uuid.UUID, _ uuid.UUID, emoji string) ([]domain.Reaction, error) {
	l.reactions = append(l.reactions, emoji)
	return nil, nil
}

func (l *fakeLedger) RemoveReaction(context.Context, uuid.UUID, uuid.UUID) ([]domain.Reaction, error) {
	l.removed++
	return nil, nil
}

func (l *fakeLedger) MarkRead(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return true, nil
}

func (l *fakeLedger) MarkConversationRead(context.Context, uuid.UUID, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func inbound(t *testing.T, eventType string, conversationID *uuid.UUID, payload any) *Event {
	t.Helper()
	evt := &Event{Type: eventType, ConversationID: conversationID}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		evt.Payload = data
	}
	return evt
}

func errorOf(t *testing.T, evt Event) ErrorPayload {
	t.Helper()
	require.Equal(t, EventTypeError, evt.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	return p
}

func TestClient_SendMessageAcksWithNonce(t *testing.T) {
	f := newHubFixture(t)
	c := f.connect(t, uuid.New())
	drain(c)
	convID := uuid.New()

	c.handleEvent(context.Background(), inbound(t, EventTypeSendMessage, &convID, map[string]string{
		"content": "hi",
		"nonce":   "n-1",
	}))

	evt := nextEvent(t, c)
	require.Equal(t, EventTypeMessageAck, evt.Type)
	var ack AckPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &ack))
	assert.Equal(t, "n-1", ack.Nonce)
	assert.NotEqual(t, uuid.Nil, ack.MessageID)
	require.Len(t, f.ledger.sent, 1)
	assert.Equal(t, "hi", f.ledger.sent[0].Content)
}

func TestClient_SendFailureCarriesRetryAfter(t *testing.T) {
	f := newHubFixture(t)
	f.ledger.sendErr = service.ErrSlowMode.WithRetryAfter(5500 * time.Millisecond)
	c := f.connect(t, uuid.New())
	drain(c)
	convID := uuid.New()

	c.handleEvent(context.Background(), inbound(t, EventTypeSendMessage, &convID, map[string]string{
		"content": "too soon",
		"nonce":   "n-2",
	}))

	p := errorOf(t, nextEvent(t, c))
	assert.Equal(t, service.ErrSlowMode.Code, p.Code)
	assert.Equal(t, int64(6), p.RetryAfter)
	assert.Equal(t, "n-2", p.Nonce)
}

func TestClient_EventValidation(t *testing.T) {
	f := newHubFixture(t)
	c := f.connect(t, uuid.New())
	drain(c)
	ctx := context.Background()

	c.handleEvent(ctx, inbound(t, EventTypeSendMessage, nil, map[string]string{"content": "x"}))
	assert.Equal(t, "INVALID_PAYLOAD", errorOf(t, nextEvent(t, c)).Code)

	c.handleEvent(ctx, &Event{Type: EventTypeEditMessage, Payload: json.RawMessage(`"nope"`)})
	assert.Equal(t, "INVALID_PAYLOAD", errorOf(t, nextEvent(t, c)).Code)

	c.handleEvent(ctx, inbound(t, "shout", nil, nil))
	assert.Equal(t, "UNKNOWN_EVENT", errorOf(t, nextEvent(t, c)).Code)

	c.handleEvent(ctx, inbound(t, EventTypeAuth, nil, AuthPayload{Token: "again"}))
	assert.Equal(t, "ALREADY_AUTHENTICATED", errorOf(t, nextEvent(t, c)).Code)

	c.handleEvent(ctx, inbound(t, EventTypeEditMessage, nil, EditMessagePayload{MessageID: uuid.New(), Content: "x"}))
	assert.Equal(t, service.ErrNotMessageOwner.Code, errorOf(t, nextEvent(t, c)).Code)

	c.handleEvent(ctx, inbound(t, EventTypePing, nil, nil))
	assert.Equal(t, EventTypePong, nextEvent(t, c).Type)
}

func TestClient_ReactionEmptyEmojiRemoves(t *testing.T) {
	f := newHubFixture(t)
	c := f.connect(t, uuid.New())
	drain(c)
	ctx := context.Background()
	msgID := uuid.New()

	c.handleEvent(ctx, inbound(t, EventTypeMessageReaction, nil, ReactionPayload{MessageID: msgID, Emoji: "👍"}))
	c.handleEvent(ctx, inbound(t, EventTypeMessageReaction, nil, ReactionPayload{MessageID: msgID}))

	assert.Equal(t, []string{"👍"}, f.ledger.reactions)
	assert.Equal(t, 1, f.ledger.removed)
	requireNoEvent(t, c)
}

func TestClient_JoinReplies(t *testing.T) {
	f := newHubFixture(t)
	user := uuid.New()
	convID := f.directory.add(user)
	c := f.connect(t, user)
	drain(c)

	c.handleEvent(context.Background(), inbound(t, EventTypeJoinConversation, &convID, nil))
	evt := nextEvent(t, c)
	assert.Equal(t, EventTypeConversationJoined, evt.Type)
	assert.True(t, c.IsJoined(convID))

	c.handleEvent(context.Background(), inbound(t, EventTypeLeaveConversation, &convID, nil))
	assert.False(t, c.IsJoined(convID))
}

func TestClient_EnqueueAfterClose(t *testing.T) {
	c := NewClient(nil, nil, nil, uuid.New(), rate.NewLimiter(rate.Inf, 0), zap.NewNop())
	for i := 0; i < sendBufSize; i++ {
		require.True(t, c.enqueue([]byte("{}")))
	}
	assert.False(t, c.enqueue([]byte("{}")), "full buffer")

	c.close(websocket.StatusNormalClosure, "")
	c.close(websocket.StatusNormalClosure, "")
	assert.True(t, c.enqueue([]byte("{}")), "closed clients swallow writes")
}

func TestErrorPayload(t *testing.T) {
	p, known := errorPayload(domain.NewTransientError("loading conversation", errors.New("dial tcp: refused")))
	assert.True(t, known)
	assert.Equal(t, "STORE_UNAVAILABLE", p.Code)
	assert.NotContains(t, p.Message, "refused")

	p, known = errorPayload(errors.New("boom"))
	assert.False(t, known)
	assert.Equal(t, "INTERNAL", p.Code)

	p, known = errorPayload(context.DeadlineExceeded)
	assert.True(t, known)
	assert.Equal(t, "TIMEOUT", p.Code)
}

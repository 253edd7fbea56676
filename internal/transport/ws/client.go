package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	handleTimeout  = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBufSize    = 256
)

// Ledger is the set of message operations a connection may invoke.
type Ledger interface {
	Send(ctx context.Context, conversationID, senderID uuid.UUID, input service.SendMessageInput) (*domain.Message, error)
	Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.Message, error)
	SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.Message, error)
	AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error)
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID) ([]domain.Reaction, error)
	MarkRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error)
}

var (
	errInvalidPayload      = domain.NewValidationError("INVALID_PAYLOAD", "invalid event payload")
	errMissingConversation = domain.NewValidationError("INVALID_PAYLOAD", "conversation_id required")
	errRateLimited         = domain.NewRateLimitError("RATE_LIMITED", "too many events")
)

// Client represents a single WebSocket connection.
type Client struct {
	hub     *Hub
	ledger  Ledger
	conn    *websocket.Conn
	userID  uuid.UUID
	limiter *rate.Limiter
	log     *zap.Logger

	// joined tracks conversations the client has open.
	joined map[uuid.UUID]struct{}
	mu     sync.RWMutex

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func NewClient(hub *Hub, ledger Ledger, conn *websocket.Conn, userID uuid.UUID, limiter *rate.Limiter, log *zap.Logger) *Client {
	return &Client{
		hub:     hub,
		ledger:  ledger,
		conn:    conn,
		userID:  userID,
		limiter: limiter,
		log:     log,
		joined:  make(map[uuid.UUID]struct{}),
		send:    make(chan []byte, sendBufSize),
		done:    make(chan struct{}),
	}
}

func (c *Client) UserID() uuid.UUID {
	return c.userID
}

// IsJoined checks if this client has the conversation open.
func (c *Client) IsJoined(conversationID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[conversationID]
	return ok
}

func (c *Client) join(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[conversationID] = struct{}{}
}

func (c *Client) leave(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, conversationID)
}

// enqueue reports false when the send buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// ReadPump reads events from the WebSocket until the connection ends.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.hub.Unregister(c)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("client disconnected", zap.Stringer("user_id", c.userID))
			} else {
				select {
				case <-c.done:
				default:
					c.log.Info("read error", zap.Stringer("user_id", c.userID), zap.Error(err))
				}
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.sendError(errInvalidPayload, "")
			continue
		}
		if !c.limiter.Allow() {
			c.sendError(errRateLimited, "")
			continue
		}
		c.handleEvent(ctx, &event)
	}
}

// WritePump writes queued events and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(c.closeCode, c.closeReason)
	}()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Info("write error", zap.Stringer("user_id", c.userID), zap.Error(err))
				c.close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Info("ping error", zap.Stringer("user_id", c.userID), zap.Error(err))
				c.close(websocket.StatusGoingAway, "ping timeout")
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleEvent routes an incoming client event.
func (c *Client) handleEvent(ctx context.Context, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case EventTypeSendMessage:
		var nonce string
		nonce, err = c.handleSend(ctx, event)
		if err != nil {
			c.sendError(err, nonce)
			return
		}

	case EventTypeEditMessage:
		var p EditMessagePayload
		if err = decode(event, &p); err == nil {
			_, err = c.ledger.Edit(ctx, p.MessageID, c.userID, p.Content)
		}

	case EventTypeDeleteMessage:
		var p MessageRefPayload
		if err = decode(event, &p); err == nil {
			_, err = c.ledger.SoftDelete(ctx, p.MessageID, c.userID)
		}

	case EventTypeMessageReaction:
		var p ReactionPayload
		if err = decode(event, &p); err == nil {
			if p.Emoji == "" {
				_, err = c.ledger.RemoveReaction(ctx, p.MessageID, c.userID)
			} else {
				_, err = c.ledger.AddReaction(ctx, p.MessageID, c.userID, p.Emoji)
			}
		}

	case EventTypeMessageRead:
		var p MessageRefPayload
		if err = decode(event, &p); err == nil {
			_, err = c.ledger.MarkRead(ctx, p.MessageID, c.userID)
		}

	case EventTypeConversationRead:
		var id uuid.UUID
		if id, err = conversationOf(event); err == nil {
			_, err = c.ledger.MarkConversationRead(ctx, id, c.userID)
		}

	case EventTypeTypingStart, EventTypeTypingStop:
		var id uuid.UUID
		if id, err = conversationOf(event); err == nil {
			err = c.hub.HandleTyping(ctx, c, id, event.Type == EventTypeTypingStart)
		}

	case EventTypeJoinConversation:
		var id uuid.UUID
		if id, err = conversationOf(event); err == nil {
			if err = c.hub.Join(ctx, c, id); err == nil {
				c.sendEvent(EventTypeConversationJoined, &id, JoinedPayload{ConversationID: id})
			}
		}

	case EventTypeLeaveConversation:
		var id uuid.UUID
		if id, err = conversationOf(event); err == nil {
			c.leave(id)
		}

	case EventTypeAuth:
		err = domain.NewStateError("ALREADY_AUTHENTICATED", "connection is already authenticated")

	case EventTypePing:
		c.sendEvent(EventTypePong, nil, struct{}{})

	default:
		err = domain.NewValidationError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}

	if err != nil {
		c.sendError(err, "")
	}
}

// handleSend persists a message and acknowledges it to this connection.
// The nonce is returned so failures can be correlated by the client.
func (c *Client) handleSend(ctx context.Context, event *Event) (string, error) {
	id, err := conversationOf(event)
	if err != nil {
		return "", err
	}
	var input service.SendMessageInput
	if err := decode(event, &input); err != nil {
		return "", err
	}

	msg, err := c.ledger.Send(ctx, id, c.userID, input)
	if err != nil {
		return input.Nonce, err
	}
	c.sendEvent(EventTypeMessageAck, &id, AckPayload{
		Nonce:     input.Nonce,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
	})
	return input.Nonce, nil
}

func (c *Client) sendEvent(eventType string, conversationID *uuid.UUID, payload any) {
	evt, err := NewEvent(eventType, conversationID, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(err error, nonce string) {
	p, known := errorPayload(err)
	if !known {
		c.log.Error("ws handler failed", zap.Stringer("user_id", c.userID), zap.Error(err))
	}
	p.Nonce = nonce
	c.sendEvent(EventTypeError, nil, p)
}

func errorPayload(err error) (ErrorPayload, bool) {
	de, ok := domain.AsError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrorPayload{Code: "TIMEOUT", Message: "Request timed out"}, true
		}
		return ErrorPayload{Code: "INTERNAL", Message: "Something went wrong"}, false
	}

	p := ErrorPayload{Code: de.Code, Message: de.Message, Fields: de.Fields}
	if de.RetryAfter > 0 {
		p.RetryAfter = int64(math.Ceil(de.RetryAfter.Seconds()))
	}
	return p, true
}

func decode(event *Event, v any) error {
	if len(event.Payload) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return errInvalidPayload
	}
	return nil
}

func conversationOf(event *Event) (uuid.UUID, error) {
	if event.ConversationID == nil || *event.ConversationID == uuid.Nil {
		return uuid.Nil, errMissingConversation
	}
	return *event.ConversationID, nil
}

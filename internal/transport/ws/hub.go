package ws

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/metrics"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/internal/service"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	queueSize     = 1024
	lookupTimeout = 5 * time.Second
)

// Directory answers membership questions for routing.
type Directory interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	ContactsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// audience selects the connections an event is written to.
type audience struct {
	users []uuid.UUID
	// except skips every connection of this user.
	except uuid.UUID
	// joinedOnly restricts delivery to clients that joined the conversation.
	joinedOnly bool
}

type envelope struct {
	kind           string
	data           []byte
	conversationID uuid.UUID
	to             audience
}

// Hub routes outbound events to live connections. Producers enqueue,
// Run is the only consumer.
type Hub struct {
	registry  *Registry
	directory Directory
	presence  repository.PresenceRepository
	log       *zap.Logger
	queue     chan envelope
	now       func() time.Time
}

func NewHub(directory Directory, presence repository.PresenceRepository, log *zap.Logger) *Hub {
	return &Hub{
		registry:  NewRegistry(),
		directory: directory,
		presence:  presence,
		log:       log,
		queue:     make(chan envelope, queueSize),
		now:       time.Now,
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run dispatches queued events until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-h.queue:
			h.dispatch(env)
		}
	}
}

func (h *Hub) dispatch(env envelope) {
	delivered := 0
	for _, userID := range env.to.users {
		if userID == env.to.except {
			continue
		}
		for _, c := range h.registry.Clients(userID) {
			if env.to.joinedOnly && !c.IsJoined(env.conversationID) {
				continue
			}
			if !c.enqueue(env.data) {
				metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
				h.log.Warn("pruning stale connection",
					zap.Stringer("user_id", userID),
					zap.String("event", env.kind),
				)
				if h.remove(c, websocket.StatusPolicyViolation, "send buffer full") {
					go h.wentOffline(userID)
				}
				continue
			}
			delivered++
		}
	}
	if delivered > 0 {
		metrics.EventsDispatched.WithLabelValues(env.kind).Add(float64(delivered))
	}
}

// broadcast queues an event without blocking. A full queue drops it.
func (h *Hub) broadcast(kind string, conversationID *uuid.UUID, payload any, to audience) {
	evt, err := NewEvent(kind, conversationID, payload)
	if err != nil {
		h.log.Error("marshal event payload", zap.String("event", kind), zap.Error(err))
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("marshal event", zap.String("event", kind), zap.Error(err))
		return
	}

	env := envelope{kind: kind, data: data, to: to}
	if conversationID != nil {
		env.conversationID = *conversationID
	}
	select {
	case h.queue <- env:
	default:
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		h.log.Warn("event queue full", zap.String("event", kind))
	}
}

// Register adds an authenticated client. The user's first connection marks
// them online and tells their contacts.
func (h *Hub) Register(ctx context.Context, c *Client) {
	first := h.registry.Add(c)
	h.updateGauges()
	h.log.Info("client connected",
		zap.Stringer("user_id", c.userID),
		zap.Int("connections", h.registry.Count()),
	)
	if !first {
		return
	}

	if err := h.presence.SetOnline(ctx, c.userID, h.now()); err != nil {
		h.log.Warn("presence update failed", zap.Stringer("user_id", c.userID), zap.Error(err))
	}
	h.announce(ctx, c.userID, EventTypeUserOnline, PresencePayload{UserID: c.userID})
}

// Unregister removes c. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	if h.remove(c, websocket.StatusNormalClosure, "") {
		h.wentOffline(c.userID)
	}
}

func (h *Hub) remove(c *Client, code websocket.StatusCode, reason string) (last bool) {
	c.close(code, reason)
	last = h.registry.Remove(c)
	h.updateGauges()
	return last
}

func (h *Hub) wentOffline(userID uuid.UUID) {
	// Another device may have connected in the meantime.
	if h.registry.IsOnline(userID) {
		return
	}
	h.log.Info("user offline", zap.Stringer("user_id", userID))

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	at := h.now()
	if err := h.presence.SetLastSeen(ctx, userID, at); err != nil {
		h.log.Warn("presence update failed", zap.Stringer("user_id", userID), zap.Error(err))
	}
	h.announce(ctx, userID, EventTypeUserOffline, PresencePayload{UserID: userID, LastSeen: &at})
}

// announce sends a presence event to users sharing a conversation with userID.
func (h *Hub) announce(ctx context.Context, userID uuid.UUID, kind string, payload PresencePayload) {
	contacts, err := h.directory.ContactsOf(ctx, userID)
	if err != nil {
		h.log.Warn("loading contacts failed", zap.Stringer("user_id", userID), zap.Error(err))
		return
	}
	if len(contacts) == 0 {
		return
	}
	h.broadcast(kind, nil, payload, audience{users: contacts, except: userID})
}

// HandleTyping relays a typing indicator to the other participants that
// have the conversation open.
func (h *Hub) HandleTyping(ctx context.Context, sender *Client, conversationID uuid.UUID, typing bool) error {
	participants, err := h.directory.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if !slices.Contains(participants, sender.userID) {
		return service.ErrNotParticipant
	}

	payload := TypingPayload{UserID: sender.userID, IsTyping: typing}
	if typing {
		payload.ExpiresInMS = typingExpiry.Milliseconds()
	}
	h.broadcast(EventTypeUserTyping, &conversationID, payload, audience{
		users:      participants,
		except:     sender.userID,
		joinedOnly: true,
	})
	return nil
}

// Join authorises c to observe a conversation's typing indicators.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID uuid.UUID) error {
	ok, err := h.directory.IsParticipant(ctx, conversationID, c.userID)
	if err != nil {
		return err
	}
	if !ok {
		return service.ErrNotParticipant
	}
	c.join(conversationID)
	return nil
}

func (h *Hub) updateGauges() {
	metrics.Connections.Set(float64(h.registry.Count()))
	metrics.OnlineUsers.Set(float64(h.registry.userCount()))
}

func (h *Hub) closeAll() {
	for _, userID := range h.registry.OnlineUsers() {
		for _, c := range h.registry.Clients(userID) {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
	}
}

// Package memory is an in-process implementation of the repository
// interfaces. It backs the test suites and STORE_DRIVER=memory.
package memory

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// Store holds every collection behind one RWMutex. Unread counters live in
// per-participant slots updated with atomic operations, so per-user
// decrements and resets only need the read lock. Increments and recounts
// take the write lock because they also settle which messages are counted.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time
	// last assigned message timestamp; keeps store time strictly increasing
	lastTick time.Time

	users    map[uuid.UUID]domain.User
	lastSeen map[uuid.UUID]time.Time

	conversations map[uuid.UUID]*conversationRecord
	directKeys    map[string]uuid.UUID

	messages       map[uuid.UUID]*domain.Message
	byConversation map[uuid.UUID][]uuid.UUID
	nonces         map[string]uuid.UUID
	// messages not yet added to any unread counter
	uncounted map[uuid.UUID]struct{}
}

type conversationRecord struct {
	conv    domain.Conversation
	members map[uuid.UUID]*memberSlot
	order   []uuid.UUID
}

type memberSlot struct {
	role     string
	joinedAt time.Time
	unread   atomic.Int64
}

type Option func(*Store)

// WithClock replaces time.Now as the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:            time.Now,
		users:          make(map[uuid.UUID]domain.User),
		lastSeen:       make(map[uuid.UUID]time.Time),
		conversations:  make(map[uuid.UUID]*conversationRecord),
		directKeys:     make(map[string]uuid.UUID),
		messages:       make(map[uuid.UUID]*domain.Message),
		byConversation: make(map[uuid.UUID][]uuid.UUID),
		nonces:         make(map[string]uuid.UUID),
		uncounted:      make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutUser seeds a user record; the identity service owns users in production.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// tick must be called with the write lock held.
func (s *Store) tick() time.Time {
	t := s.now()
	if !t.After(s.lastTick) {
		t = s.lastTick.Add(time.Microsecond)
	}
	s.lastTick = t
	return t
}

func newRecord(conv *domain.Conversation) *conversationRecord {
	rec := &conversationRecord{
		conv:    *conv,
		members: make(map[uuid.UUID]*memberSlot),
	}
	rec.conv.Participants = nil
	rec.conv.Admins = nil
	rec.conv.UnreadCount = 0
	rec.conv.Members = nil
	for _, p := range conv.Participants {
		role := domain.RoleMember
		if slices.Contains(conv.Admins, p) {
			role = domain.RoleAdmin
		}
		rec.add(p, role, conv.CreatedAt)
	}
	return rec
}

func (r *conversationRecord) add(userID uuid.UUID, role string, at time.Time) bool {
	if _, ok := r.members[userID]; ok {
		return false
	}
	r.members[userID] = &memberSlot{role: role, joinedAt: at}
	r.order = append(r.order, userID)
	return true
}

func (r *conversationRecord) remove(userID uuid.UUID) bool {
	if _, ok := r.members[userID]; !ok {
		return false
	}
	delete(r.members, userID)
	r.order = slices.DeleteFunc(r.order, func(id uuid.UUID) bool { return id == userID })
	return true
}

// snapshot returns a detached copy of the conversation.
func (r *conversationRecord) snapshot() *domain.Conversation {
	c := r.conv
	c.Participants = make([]uuid.UUID, 0, len(r.order))
	c.Admins = nil
	for _, id := range r.order {
		c.Participants = append(c.Participants, id)
		if r.members[id].role == domain.RoleAdmin {
			c.Admins = append(c.Admins, id)
		}
	}
	if r.conv.LastMessage != nil {
		lm := *r.conv.LastMessage
		c.LastMessage = &lm
	}
	if r.conv.GroupName != nil {
		name := *r.conv.GroupName
		c.GroupName = &name
	}
	if r.conv.GroupDescription != nil {
		desc := *r.conv.GroupDescription
		c.GroupDescription = &desc
	}
	return &c
}

func copyMessage(m *domain.Message) *domain.Message {
	c := *m
	c.History = slices.Clone(m.History)
	c.ReadBy = slices.Clone(m.ReadBy)
	c.Reactions = slices.Clone(m.Reactions)
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Location != nil {
		l := *m.Location
		c.Location = &l
	}
	return &c
}

func nonceKey(conversationID, senderID uuid.UUID, nonce string) string {
	return conversationID.String() + "/" + senderID.String() + "/" + nonce
}

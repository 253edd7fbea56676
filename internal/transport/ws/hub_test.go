package ws

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository/memory"
	"github.com/vedran77/relay/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type fakeDirectory struct {
	mu    sync.Mutex
	convs map[uuid.UUID][]uuid.UUID
}

func (d *fakeDirectory) add(members ...uuid.UUID) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.convs[id] = members
	return id
}

func (d *fakeDirectory) Participants(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.convs[id]
	if !ok {
		return nil, service.ErrConversationNotFound
	}
	return members, nil
}

func (d *fakeDirectory) IsParticipant(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	members, err := d.Participants(ctx, id)
	if err != nil {
		return false, nil
	}
	return slices.Contains(members, userID), nil
}

func (d *fakeDirectory) ContactsOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uuid.UUID
	for _, members := range d.convs {
		if !slices.Contains(members, userID) {
			continue
		}
		for _, m := range members {
			if m != userID && !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

type hubFixture struct {
	hub       *Hub
	directory *fakeDirectory
	presence  *memory.PresenceRepo
	ledger    *fakeLedger
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		directory: &fakeDirectory{convs: make(map[uuid.UUID][]uuid.UUID)},
		presence:  memory.NewPresenceRepo(memory.NewStore()),
		ledger:    &fakeLedger{},
	}
	f.hub = NewHub(f.directory, f.presence, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

// connect registers a socketless client.
func (f *hubFixture) connect(t *testing.T, userID uuid.UUID) *Client {
	t.Helper()
	c := NewClient(f.hub, f.ledger, nil, userID, rate.NewLimiter(rate.Inf, 0), zap.NewNop())
	f.hub.Register(context.Background(), c)
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.send:
		var evt Event
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func requireNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// drain discards presence events produced by connecting.
func drain(c *Client) {
	for {
		select {
		case <-c.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestHub_DeliversToConnectedParticipants(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, carol, mallory := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	convID := f.directory.add(alice, bob, carol)

	aliceConn := f.connect(t, alice)
	bobPhone := f.connect(t, bob)
	bobLaptop := f.connect(t, bob)
	outsider := f.connect(t, mallory)
	for _, c := range []*Client{aliceConn, bobPhone, bobLaptop, outsider} {
		drain(c)
	}

	conv := &domain.Conversation{ID: convID, Participants: []uuid.UUID{alice, bob, carol}}
	msg := &domain.Message{ID: uuid.New(), ConversationID: convID, SenderID: alice, Content: "hello"}
	NewHubNotifier(f.hub).NotifyNewMessage(conv, msg)

	for _, c := range []*Client{aliceConn, bobPhone, bobLaptop} {
		evt := nextEvent(t, c)
		assert.Equal(t, EventTypeNewMessage, evt.Type)
		require.NotNil(t, evt.ConversationID)
		assert.Equal(t, convID, *evt.ConversationID)

		var got domain.Message
		require.NoError(t, json.Unmarshal(evt.Payload, &got))
		assert.Equal(t, msg.ID, got.ID)
	}
	requireNoEvent(t, outsider)
}

func TestHub_PrunesFullBuffer(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := uuid.New(), uuid.New()
	convID := f.directory.add(alice, bob)

	slow := f.connect(t, alice)
	healthy := f.connect(t, bob)
	drain(slow)
	drain(healthy)

	for i := 0; i < sendBufSize; i++ {
		require.True(t, slow.enqueue([]byte("{}")))
	}

	conv := &domain.Conversation{ID: convID, Participants: []uuid.UUID{alice, bob}}
	NewHubNotifier(f.hub).NotifyNewMessage(conv, &domain.Message{ID: uuid.New(), ConversationID: convID})

	assert.Equal(t, EventTypeNewMessage, nextEvent(t, healthy).Type)
	require.Eventually(t, func() bool { return !f.hub.Registry().IsOnline(alice) }, time.Second, 10*time.Millisecond)

	select {
	case <-slow.done:
	default:
		t.Fatal("pruned client was not closed")
	}
	assert.True(t, f.hub.Registry().IsOnline(bob))
}

func TestHub_PresenceAnnouncements(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, stranger := uuid.New(), uuid.New(), uuid.New()
	f.directory.add(alice, bob)

	bobConn := f.connect(t, bob)
	strangerConn := f.connect(t, stranger)
	drain(bobConn)
	drain(strangerConn)

	phone := f.connect(t, alice)
	evt := nextEvent(t, bobConn)
	assert.Equal(t, EventTypeUserOnline, evt.Type)
	var online PresencePayload
	require.NoError(t, json.Unmarshal(evt.Payload, &online))
	assert.Equal(t, alice, online.UserID)
	requireNoEvent(t, strangerConn)

	// A second device is not a new transition.
	laptop := f.connect(t, alice)
	requireNoEvent(t, bobConn)

	f.hub.Unregister(phone)
	requireNoEvent(t, bobConn)

	f.hub.Unregister(laptop)
	evt = nextEvent(t, bobConn)
	assert.Equal(t, EventTypeUserOffline, evt.Type)
	var offline PresencePayload
	require.NoError(t, json.Unmarshal(evt.Payload, &offline))
	require.NotNil(t, offline.LastSeen)

	seen, err := f.presence.GetLastSeen(context.Background(), []uuid.UUID{alice})
	require.NoError(t, err)
	assert.Contains(t, seen, alice)

	// Unregistering again does nothing.
	f.hub.Unregister(laptop)
	requireNoEvent(t, bobConn)
}

func TestHub_TypingReachesJoinedParticipantsOnly(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	convID := f.directory.add(alice, bob, carol)
	ctx := context.Background()

	aliceConn := f.connect(t, alice)
	bobConn := f.connect(t, bob)
	carolConn := f.connect(t, carol)
	for _, c := range []*Client{aliceConn, bobConn, carolConn} {
		drain(c)
	}

	require.NoError(t, f.hub.Join(ctx, aliceConn, convID))
	require.NoError(t, f.hub.Join(ctx, bobConn, convID))

	require.NoError(t, f.hub.HandleTyping(ctx, aliceConn, convID, true))
	evt := nextEvent(t, bobConn)
	assert.Equal(t, EventTypeUserTyping, evt.Type)
	var p TypingPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &p))
	assert.Equal(t, alice, p.UserID)
	assert.True(t, p.IsTyping)
	assert.Equal(t, int64(5000), p.ExpiresInMS)

	requireNoEvent(t, carolConn)
	requireNoEvent(t, aliceConn)

	bobConn.leave(convID)
	require.NoError(t, f.hub.HandleTyping(ctx, aliceConn, convID, false))
	requireNoEvent(t, bobConn)
}

func TestHub_RejectsOutsiders(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := uuid.New(), uuid.New()
	convID := f.directory.add(alice)
	ctx := context.Background()

	c := f.connect(t, bob)
	assert.ErrorIs(t, f.hub.Join(ctx, c, convID), service.ErrNotParticipant)
	assert.False(t, c.IsJoined(convID))
	assert.ErrorIs(t, f.hub.HandleTyping(ctx, c, convID, true), service.ErrNotParticipant)
	assert.ErrorIs(t, f.hub.HandleTyping(ctx, c, uuid.New(), true), service.ErrConversationNotFound)
}

func TestHub_ConversationUpdatedReachesRemovedUser(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, removed := uuid.New(), uuid.New(), uuid.New()
	convID := f.directory.add(alice, bob)

	removedConn := f.connect(t, removed)
	drain(removedConn)

	conv := &domain.Conversation{ID: convID, IsGroup: true, Participants: []uuid.UUID{alice, bob}}
	NewHubNotifier(f.hub).NotifyConversationUpdated(conv, removed)

	assert.Equal(t, EventTypeConversationUpdated, nextEvent(t, removedConn).Type)
}

func TestHub_ConversationUpdatedOmitsPerUserFields(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := uuid.New(), uuid.New()
	convID := f.directory.add(alice, bob)

	bobConn := f.connect(t, bob)
	drain(bobConn)

	name := "team"
	conv := &domain.Conversation{
		ID:           convID,
		IsGroup:      true,
		GroupName:    &name,
		Participants: []uuid.UUID{alice, bob},
		UnreadCount:  7,
		Members:      []domain.UserPreview{{ID: alice, Username: "alice"}},
	}
	NewHubNotifier(f.hub).NotifyConversationUpdated(conv)

	evt := nextEvent(t, bobConn)
	require.Equal(t, EventTypeConversationUpdated, evt.Type)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(evt.Payload, &fields))
	assert.NotContains(t, fields, "unread_count")
	assert.NotContains(t, fields, "members")

	var got ConversationPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &got))
	assert.Equal(t, convID, got.ID)
	assert.Equal(t, "team", *got.GroupName)
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, got.Participants)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/internal/repository/memory"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a Notifier that remembers event names.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) NotifyNewMessage(*domain.Conversation, *domain.Message) {
	r.add("new_message")
}

func (r *recorder) NotifyEditedMessage(*domain.Conversation, *domain.Message) {
	r.add("message_edited")
}

func (r *recorder) NotifyDeletedMessage(*domain.Conversation, *domain.Message) {
	r.add("message_deleted")
}

func (r *recorder) NotifyReactionUpdated(*domain.Conversation, uuid.UUID, []domain.Reaction) {
	r.add("message_reaction_updated")
}

func (r *recorder) NotifyMessageRead(*domain.Conversation, uuid.UUID, uuid.UUID, time.Time) {
	r.add("message_read_update")
}

func (r *recorder) NotifyConversationRead(*domain.Conversation, uuid.UUID, []uuid.UUID, time.Time) {
	r.add("conversation_read_update")
}

func (r *recorder) NotifyConversationUpdated(*domain.Conversation, ...uuid.UUID) {
	r.add("conversation_updated")
}

type fixture struct {
	store    *memory.Store
	convRepo repository.ConversationRepository
	msgRepo  *memory.MessageRepo
	convs    *ConversationService
	msgs     *MessageService
	clock    *fakeClock
	notes    *recorder
}

type fixtureOption func(*fixture)

func withConversationRepo(wrap func(*memory.ConversationRepo) repository.ConversationRepository) fixtureOption {
	return func(f *fixture) { f.convRepo = wrap(f.convRepo.(*memory.ConversationRepo)) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := newFakeClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	f := &fixture{
		store:    store,
		convRepo: memory.NewConversationRepo(store),
		msgRepo:  memory.NewMessageRepo(store),
		clock:    clock,
		notes:    &recorder{},
	}
	for _, opt := range opts {
		opt(f)
	}

	users := memory.NewUserRepo(store)
	log := zap.NewNop()
	f.convs = NewConversationService(f.convRepo, users, log)
	f.convs.now = clock.Now
	f.convs.SetNotifier(f.notes)
	f.msgs = NewMessageService(f.msgRepo, f.convRepo, users, log)
	f.msgs.SetClock(clock.Now)
	f.msgs.SetNotifier(f.notes)
	return f
}

func (f *fixture) user(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.store.PutUser(domain.User{ID: id, Username: name, DisplayName: name})
	return id
}

func (f *fixture) group(t *testing.T, creator uuid.UUID, members ...uuid.UUID) *domain.Conversation {
	t.Helper()
	conv, err := f.convs.CreateGroup(context.Background(), creator, CreateGroupInput{
		ParticipantIDs: members,
		Name:           "Study group",
	})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, convID, sender uuid.UUID, content string) *domain.Message {
	t.Helper()
	msg, err := f.msgs.Send(context.Background(), convID, sender, SendMessageInput{Content: content})
	require.NoError(t, err)
	return msg
}

func (f *fixture) unread(t *testing.T, convID, userID uuid.UUID) int {
	t.Helper()
	n, err := f.convRepo.GetUnread(context.Background(), convID, userID)
	require.NoError(t, err)
	return n
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, domain.KindOf(err), "unexpected error: %v", err)
}

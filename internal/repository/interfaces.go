package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// ErrDuplicate is returned by Create when a uniqueness constraint rejects the row.
var ErrDuplicate = errors.New("duplicate record")

// SlowModeError is returned by MessageRepository.Create when the sender's
// previous message in the conversation is younger than the requested gap.
type SlowModeError struct {
	RetryAfter time.Duration
}

func (e *SlowModeError) Error() string {
	return fmt.Sprintf("slow mode: retry after %s", e.RetryAfter)
}

// Lookups return (nil, nil) when nothing matches.

type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetPreviews(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserPreview, error)
}

// PresenceRepository persists last-seen transitions. The live online state
// is held by the connection registry.
type PresenceRepository interface {
	SetOnline(ctx context.Context, userID uuid.UUID, at time.Time) error
	SetLastSeen(ctx context.Context, userID uuid.UUID, at time.Time) error
	GetLastSeen(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]time.Time, error)
}

type ConversationFilter struct {
	Search string
	Limit  int
	Offset int
}

type ConversationRepository interface {
	// Create inserts a group conversation with its participant rows.
	Create(ctx context.Context, conv *domain.Conversation) error
	// CreateDirect inserts a direct conversation unless one with the same
	// DirectKey exists; created is false when the insert lost that race.
	CreateDirect(ctx context.Context, conv *domain.Conversation) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, filter ConversationFilter) ([]domain.Conversation, int, error)
	ListContacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UpdateGroup(ctx context.Context, id uuid.UUID, name, description *string) error
	UpdateSettings(ctx context.Context, id uuid.UUID, settings domain.Settings) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	AddParticipant(ctx context.Context, id, userID uuid.UUID, role string) (added bool, err error)
	RemoveParticipant(ctx context.Context, id, userID uuid.UUID) (removed bool, err error)
	SetRole(ctx context.Context, id, userID uuid.UUID, role string) error
	ListMembers(ctx context.Context, id uuid.UUID) ([]domain.Member, error)

	// Counter updates are single atomic operations at the store.
	GetUnread(ctx context.Context, id, userID uuid.UUID) (int, error)
	// IncrementUnread adds messageID to the counter of every participant
	// except exceptUserID. A message is counted at most once, whether by this
	// call or by RecountUnread.
	IncrementUnread(ctx context.Context, id, messageID, exceptUserID uuid.UUID) error
	DecrementUnread(ctx context.Context, id, userID uuid.UUID) error
	ResetUnread(ctx context.Context, id, userID uuid.UUID) error
	// RecountUnread recomputes every participant's counter from the stored
	// messages in one step: non-deleted, not sent by the participant, sent
	// after they joined, not read by them.
	RecountUnread(ctx context.Context, id uuid.UUID) error

	// TouchLastMessage sets last_message and last_activity unless the stored
	// last_message is newer.
	TouchLastMessage(ctx context.Context, id uuid.UUID, last domain.LastMessage) error
	// ReplaceLastMessage unconditionally sets last_message (nil clears it).
	ReplaceLastMessage(ctx context.Context, id uuid.UUID, last *domain.LastMessage) error
}

type HistoryQuery struct {
	Before         *uuid.UUID
	Offset         int
	Limit          int
	IncludeDeleted bool
}

type MessageRepository interface {
	// Create assigns CreatedAt from the store clock. Returns ErrDuplicate
	// when (conversation, sender, nonce) was already used. When minGap is
	// positive the sender's previous message is checked in the same step,
	// returning *SlowModeError if it is younger than minGap.
	Create(ctx context.Context, msg *domain.Message, minGap time.Duration) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	GetByNonce(ctx context.Context, conversationID, senderID uuid.UUID, nonce string) (*domain.Message, error)
	GetPreviews(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessagePreview, error)
	// List returns messages oldest-first.
	List(ctx context.Context, conversationID uuid.UUID, q HistoryQuery) ([]domain.Message, error)
	Count(ctx context.Context, conversationID uuid.UUID) (int, error)
	Latest(ctx context.Context, conversationID uuid.UUID) (*domain.Message, error)

	// Edit appends the current content to the history and replaces it.
	// Returns false when the message is deleted or missing.
	Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id, by uuid.UUID, at time.Time) (bool, error)

	UpsertReaction(ctx context.Context, messageID uuid.UUID, r domain.Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID uuid.UUID) (bool, error)
	Reactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.Reaction, error)

	// MarkRead is an idempotent insert; created reports a new receipt.
	MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (created bool, err error)
	// MarkConversationRead records receipts for every non-deleted message
	// not sent by userID and not yet read, returning the new ids.
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error)
	ReadReceipts(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.ReadReceipt, error)
}

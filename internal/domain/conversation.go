package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

type Conversation struct {
	ID               uuid.UUID    `json:"id"`
	IsGroup          bool         `json:"is_group"`
	GroupName        *string      `json:"group_name,omitempty"`
	GroupDescription *string      `json:"group_description,omitempty"`
	Participants     []uuid.UUID  `json:"participants"`
	Admins           []uuid.UUID  `json:"group_admins,omitempty"`
	LastMessage      *LastMessage `json:"last_message,omitempty"`
	Settings         Settings     `json:"settings"`
	LastActivity     time.Time    `json:"last_activity"`
	IsActive         bool         `json:"is_active"`
	CreatedBy        uuid.UUID    `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at"`
	// DirectKey is set only for direct conversations.
	DirectKey string `json:"-"`

	// Computed for the requesting user
	UnreadCount int           `json:"unread_count"`
	Members     []UserPreview `json:"members,omitempty"`
}

// Member is a participant row with its per-user bookkeeping.
type Member struct {
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"`
	UnreadCount int       `json:"unread_count"`
	JoinedAt    time.Time `json:"joined_at"`
}

type Settings struct {
	SlowMode             bool `json:"slow_mode"`
	SlowModeDelaySeconds int  `json:"slow_mode_delay_seconds"`
	AllowFiles           bool `json:"allow_files"`
	AllowInvites         bool `json:"allow_invites"`
}

// LastMessage is a denormalised pointer to the newest message.
type LastMessage struct {
	ID          uuid.UUID   `json:"id"`
	SenderID    uuid.UUID   `json:"sender_id"`
	Preview     string      `json:"preview"`
	MessageType MessageType `json:"message_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

func DefaultSettings() Settings {
	return Settings{AllowFiles: true, AllowInvites: true}
}

// SlowModeDelay is zero when slow mode is off.
func (s Settings) SlowModeDelay() time.Duration {
	if !s.SlowMode || s.SlowModeDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(s.SlowModeDelaySeconds) * time.Second
}

// DirectKey returns the canonical key for the unordered pair {a, b}.
func DirectKey(a, b uuid.UUID) string {
	lo, hi := a.String(), b.String()
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo + ":" + hi
}

func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return slices.Contains(c.Participants, userID)
}

func (c *Conversation) IsAdmin(userID uuid.UUID) bool {
	return c.IsGroup && slices.Contains(c.Admins, userID)
}

// OtherParticipants returns everyone except userID.
func (c *Conversation) OtherParticipants(userID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// LastMessageOf builds the denormalised preview stored on the conversation.
func LastMessageOf(m *Message) LastMessage {
	return LastMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Preview:     m.Preview(),
		MessageType: m.Type,
		CreatedAt:   m.CreatedAt,
	}
}

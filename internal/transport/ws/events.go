package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// Event types - Client → Server
const (
	EventTypeAuth              = "auth"
	EventTypeSendMessage       = "send_message"
	EventTypeEditMessage       = "edit_message"
	EventTypeDeleteMessage     = "delete_message"
	EventTypeMessageReaction   = "message_reaction"
	EventTypeMessageRead       = "message_read"
	EventTypeConversationRead  = "conversation_read"
	EventTypeTypingStart       = "typing_start"
	EventTypeTypingStop        = "typing_stop"
	EventTypeJoinConversation  = "join_conversation"
	EventTypeLeaveConversation = "leave_conversation"
	EventTypePing              = "ping"
)

// Event types - Server → Client
const (
	EventTypeNewMessage             = "new_message"
	EventTypeMessageEdited          = "message_edited"
	EventTypeMessageDeleted         = "message_deleted"
	EventTypeReactionUpdated        = "message_reaction_updated"
	EventTypeMessageReadUpdate      = "message_read_update"
	EventTypeConversationReadUpdate = "conversation_read_update"
	EventTypeConversationUpdated    = "conversation_updated"
	EventTypeConversationJoined     = "conversation_joined"
	EventTypeUserTyping             = "user_typing"
	EventTypeUserOnline             = "user_online"
	EventTypeUserOffline            = "user_offline"
	EventTypeMessageAck             = "message_ack"
	EventTypePong                   = "pong"
	EventTypeError                  = "error"
)

// typingExpiry is how long clients should show a typing indicator without
// a refresh.
const typingExpiry = 5 * time.Second

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type           string          `json:"type"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type AuthPayload struct {
	Token string `json:"token"`
}

type EditMessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

type MessageRefPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

// ReactionPayload sets the caller's reaction. An empty emoji removes it.
type ReactionPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
}

// --- Server → Client payloads ---

type MessagePayload struct {
	domain.Message
}

type MessageDeletedPayload struct {
	ID        uuid.UUID  `json:"id"`
	DeletedBy *uuid.UUID `json:"deleted_by,omitempty"`
}

type ReactionUpdatedPayload struct {
	MessageID uuid.UUID         `json:"message_id"`
	Reactions []domain.Reaction `json:"reactions"`
}

type MessageReadPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

type ConversationReadPayload struct {
	UserID     uuid.UUID   `json:"user_id"`
	MessageIDs []uuid.UUID `json:"message_ids"`
	ReadAt     time.Time   `json:"read_at"`
}

// ConversationPayload is the shared view of a conversation. Per-user
// fields such as unread_count are left out; clients keep their own.
type ConversationPayload struct {
	ID               uuid.UUID           `json:"id"`
	IsGroup          bool                `json:"is_group"`
	GroupName        *string             `json:"group_name,omitempty"`
	GroupDescription *string             `json:"group_description,omitempty"`
	Participants     []uuid.UUID         `json:"participants"`
	Admins           []uuid.UUID         `json:"group_admins,omitempty"`
	LastMessage      *domain.LastMessage `json:"last_message,omitempty"`
	Settings         domain.Settings     `json:"settings"`
	LastActivity     time.Time           `json:"last_activity"`
	IsActive         bool                `json:"is_active"`
	CreatedBy        uuid.UUID           `json:"created_by"`
	CreatedAt        time.Time           `json:"created_at"`
}

func NewConversationPayload(conv *domain.Conversation) ConversationPayload {
	return ConversationPayload{
		ID:               conv.ID,
		IsGroup:          conv.IsGroup,
		GroupName:        conv.GroupName,
		GroupDescription: conv.GroupDescription,
		Participants:     conv.Participants,
		Admins:           conv.Admins,
		LastMessage:      conv.LastMessage,
		Settings:         conv.Settings,
		LastActivity:     conv.LastActivity,
		IsActive:         conv.IsActive,
		CreatedBy:        conv.CreatedBy,
		CreatedAt:        conv.CreatedAt,
	}
}

type JoinedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type TypingPayload struct {
	UserID      uuid.UUID `json:"user_id"`
	IsTyping    bool      `json:"is_typing"`
	ExpiresInMS int64     `json:"expires_in_ms,omitempty"`
}

type PresencePayload struct {
	UserID   uuid.UUID  `json:"user_id"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type AckPayload struct {
	Nonce     string    `json:"nonce,omitempty"`
	MessageID uuid.UUID `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ErrorPayload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	RetryAfter int64             `json:"retry_after,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	// Nonce echoes the failed send_message, if any.
	Nonce string `json:"nonce,omitempty"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, conversationID *uuid.UUID, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        data,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

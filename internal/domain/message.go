package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	Tombstone        = "This message was deleted"
	MaxContentLength = 5000
	previewLength    = 100
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageLocation MessageType = "location"
	MessageSystem   MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageVoice, MessageLocation, MessageSystem:
		return true
	}
	return false
}

// RequiresAttachment reports whether the type carries an uploaded file.
func (t MessageType) RequiresAttachment() bool {
	switch t {
	case MessageImage, MessageVideo, MessageFile, MessageVoice:
		return true
	}
	return false
}

// MessageState is the lifecycle tag of a message. Deleted is terminal.
type MessageState string

const (
	StateActive  MessageState = "active"
	StateEdited  MessageState = "edited"
	StateDeleted MessageState = "deleted"
)

// Attachment is the descriptor returned by the media service, stored verbatim.
type Attachment struct {
	URL       string   `json:"url"`
	Size      int64    `json:"size,omitempty"`
	MimeType  string   `json:"mime_type,omitempty"`
	Name      string   `json:"name,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Thumbnail string   `json:"thumbnail,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

type ReadReceipt struct {
	UserID uuid.UUID `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}

// Revision is a previous version of a message's content.
type Revision struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

type Message struct {
	ID             uuid.UUID    `json:"id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	SenderID       uuid.UUID    `json:"sender_id"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"message_type"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	Location       *Location    `json:"location,omitempty"`
	ReplyTo        *uuid.UUID   `json:"reply_to,omitempty"`
	ForwardedFrom  *uuid.UUID   `json:"forwarded_from,omitempty"`
	Nonce          string       `json:"nonce,omitempty"`
	State          MessageState `json:"state"`
	History        []Revision   `json:"edit_history,omitempty"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	DeletedBy      *uuid.UUID   `json:"deleted_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`

	ReadBy    []ReadReceipt `json:"read_by"`
	Reactions []Reaction    `json:"reactions"`

	// Joined fields
	Sender         *UserPreview    `json:"sender,omitempty"`
	ReplyPreview   *MessagePreview `json:"reply_preview,omitempty"`
	ForwardPreview *MessagePreview `json:"forward_preview,omitempty"`
}

// MessagePreview is the lightweight form used for reply and forward targets.
type MessagePreview struct {
	ID          uuid.UUID   `json:"id"`
	SenderID    uuid.UUID   `json:"sender_id"`
	Preview     string      `json:"preview"`
	MessageType MessageType `json:"message_type"`
	IsDeleted   bool        `json:"is_deleted"`
}

func (m *Message) IsDeleted() bool { return m.State == StateDeleted }

func (m *Message) IsEdited() bool { return m.State == StateEdited }

// Edit moves the current content into the history and replaces it.
func (m *Message) Edit(content string, at time.Time) error {
	if m.IsDeleted() {
		return ErrMessageDeleted
	}
	m.History = append(m.History, Revision{Content: m.Content, EditedAt: at})
	m.Content = content
	m.State = StateEdited
	m.EditedAt = &at
	return nil
}

// Delete tombstones the message. Content, attachment, location and edit
// history are scrubbed; deleting twice keeps the first deletion.
func (m *Message) Delete(by uuid.UUID, at time.Time) {
	if m.IsDeleted() {
		return
	}
	m.State = StateDeleted
	m.Content = Tombstone
	m.Attachment = nil
	m.Location = nil
	m.History = nil
	m.DeletedAt = &at
	m.DeletedBy = &by
}

// Preview is a short human-readable summary of the message.
func (m *Message) Preview() string {
	if m.IsDeleted() {
		return Tombstone
	}
	if m.Content == "" {
		switch m.Type {
		case MessageImage:
			return "[image]"
		case MessageVideo:
			return "[video]"
		case MessageFile:
			return "[file]"
		case MessageVoice:
			return "[voice message]"
		case MessageLocation:
			return "[location]"
		}
	}
	return truncate(m.Content, previewLength)
}

func (m *Message) ToPreview() MessagePreview {
	return MessagePreview{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Preview:     m.Preview(),
		MessageType: m.Type,
		IsDeleted:   m.IsDeleted(),
	}
}

// ReadByUser reports whether userID has a read receipt on the message.
func (m *Message) ReadByUser(userID uuid.UUID) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// SetReaction applies replace-per-user semantics.
func (m *Message) SetReaction(r Reaction) {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == r.UserID {
			m.Reactions[i] = r
			return
		}
	}
	m.Reactions = append(m.Reactions, r)
}

// RemoveReaction drops the user's reaction and reports whether one existed.
func (m *Message) RemoveReaction(userID uuid.UUID) bool {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

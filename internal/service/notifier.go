package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// Notifier broadcasts real-time events. The conversation is passed along so
// implementations never have to look participants up again.
type Notifier interface {
	NotifyNewMessage(conv *domain.Conversation, msg *domain.Message)
	NotifyEditedMessage(conv *domain.Conversation, msg *domain.Message)
	NotifyDeletedMessage(conv *domain.Conversation, msg *domain.Message)
	NotifyReactionUpdated(conv *domain.Conversation, messageID uuid.UUID, reactions []domain.Reaction)
	NotifyMessageRead(conv *domain.Conversation, messageID, userID uuid.UUID, readAt time.Time)
	NotifyConversationRead(conv *domain.Conversation, userID uuid.UUID, messageIDs []uuid.UUID, readAt time.Time)
	// NotifyConversationUpdated reaches every participant plus extra, which
	// carries users who just left.
	NotifyConversationUpdated(conv *domain.Conversation, extra ...uuid.UUID)
}

// MultiNotifier fans every call out to each wrapped notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyNewMessage(conv *domain.Conversation, msg *domain.Message) {
	for _, n := range m {
		n.NotifyNewMessage(conv, msg)
	}
}

func (m MultiNotifier) NotifyEditedMessage(conv *domain.Conversation, msg *domain.Message) {
	for _, n := range m {
		n.NotifyEditedMessage(conv, msg)
	}
}

func (m MultiNotifier) NotifyDeletedMessage(conv *domain.Conversation, msg *domain.Message) {
	for _, n := range m {
		n.NotifyDeletedMessage(conv, msg)
	}
}

func (m MultiNotifier) NotifyReactionUpdated(conv *domain.Conversation, messageID uuid.UUID, reactions []domain.Reaction) {
	for _, n := range m {
		n.NotifyReactionUpdated(conv, messageID, reactions)
	}
}

func (m MultiNotifier) NotifyMessageRead(conv *domain.Conversation, messageID, userID uuid.UUID, readAt time.Time) {
	for _, n := range m {
		n.NotifyMessageRead(conv, messageID, userID, readAt)
	}
}

func (m MultiNotifier) NotifyConversationRead(conv *domain.Conversation, userID uuid.UUID, messageIDs []uuid.UUID, readAt time.Time) {
	for _, n := range m {
		n.NotifyConversationRead(conv, userID, messageIDs, readAt)
	}
}

func (m MultiNotifier) NotifyConversationUpdated(conv *domain.Conversation, extra ...uuid.UUID) {
	for _, n := range m {
		n.NotifyConversationUpdated(conv, extra...)
	}
}

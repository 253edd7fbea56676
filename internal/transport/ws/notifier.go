package ws

import (
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// HubNotifier implements service.Notifier using the WebSocket Hub.
// Events go to every connected participant.
type HubNotifier struct {
	hub *Hub
}

func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) NotifyNewMessage(conv *domain.Conversation, msg *domain.Message) {
	n.toParticipants(conv, EventTypeNewMessage, MessagePayload{Message: *msg})
}

func (n *HubNotifier) NotifyEditedMessage(conv *domain.Conversation, msg *domain.Message) {
	n.toParticipants(conv, EventTypeMessageEdited, MessagePayload{Message: *msg})
}

func (n *HubNotifier) NotifyDeletedMessage(conv *domain.Conversation, msg *domain.Message) {
	n.toParticipants(conv, EventTypeMessageDeleted, MessageDeletedPayload{ID: msg.ID, DeletedBy: msg.DeletedBy})
}

func (n *HubNotifier) NotifyReactionUpdated(conv *domain.Conversation, messageID uuid.UUID, reactions []domain.Reaction) {
	n.toParticipants(conv, EventTypeReactionUpdated, ReactionUpdatedPayload{MessageID: messageID, Reactions: reactions})
}

func (n *HubNotifier) NotifyMessageRead(conv *domain.Conversation, messageID, userID uuid.UUID, readAt time.Time) {
	n.toParticipants(conv, EventTypeMessageReadUpdate, MessageReadPayload{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    readAt,
	})
}

func (n *HubNotifier) NotifyConversationRead(conv *domain.Conversation, userID uuid.UUID, messageIDs []uuid.UUID, readAt time.Time) {
	n.toParticipants(conv, EventTypeConversationReadUpdate, ConversationReadPayload{
		UserID:     userID,
		MessageIDs: messageIDs,
		ReadAt:     readAt,
	})
}

// NotifyConversationUpdated also reaches extra users, such as a participant
// who was just removed.
func (n *HubNotifier) NotifyConversationUpdated(conv *domain.Conversation, extra ...uuid.UUID) {
	users := append(append([]uuid.UUID(nil), conv.Participants...), extra...)
	n.hub.broadcast(EventTypeConversationUpdated, &conv.ID, NewConversationPayload(conv), audience{users: users})
}

func (n *HubNotifier) toParticipants(conv *domain.Conversation, kind string, payload any) {
	n.hub.broadcast(kind, &conv.ID, payload, audience{users: conv.Participants})
}

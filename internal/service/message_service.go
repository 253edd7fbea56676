package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/metrics"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/pkg/validator"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// ReconcileScheduler queues a conversation for an unread/last_message recount.
type ReconcileScheduler interface {
	Schedule(conversationID uuid.UUID)
}

type MessageService struct {
	messageRepo repository.MessageRepository
	convRepo    repository.ConversationRepository
	userRepo    repository.UserRepository
	notifier    Notifier
	reconciler  ReconcileScheduler
	log         *zap.Logger
	now         func() time.Time
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	convRepo repository.ConversationRepository,
	userRepo repository.UserRepository,
	log *zap.Logger,
) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		convRepo:    convRepo,
		userRepo:    userRepo,
		log:         log,
		now:         time.Now,
	}
}

// SetNotifier sets the real-time notifier (optional dependency).
func (s *MessageService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *MessageService) SetReconciler(r ReconcileScheduler) {
	s.reconciler = r
}

// SetClock replaces time.Now for slow-mode checks and receipt timestamps.
func (s *MessageService) SetClock(now func() time.Time) {
	s.now = now
}

type SendMessageInput struct {
	Content       string             `json:"content"`
	MessageType   domain.MessageType `json:"message_type"`
	Attachment    *domain.Attachment `json:"attachment,omitempty"`
	Location      *domain.Location   `json:"location,omitempty"`
	ReplyTo       *uuid.UUID         `json:"reply_to,omitempty"`
	ForwardedFrom *uuid.UUID         `json:"forwarded_from,omitempty"`
	Nonce         string             `json:"nonce,omitempty"`
}

type HistoryInput struct {
	Before         *uuid.UUID
	Page           int
	Limit          int
	IncludeDeleted bool
}

type MessageListResponse struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	Total    int              `json:"total"`
}

func (s *MessageService) Send(ctx context.Context, conversationID, senderID uuid.UUID, input SendMessageInput) (*domain.Message, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, ErrConversationInactive
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	// A retried send with a known nonce returns the original message.
	if input.Nonce != "" {
		existing, err := s.messageRepo.GetByNonce(ctx, conversationID, senderID, input.Nonce)
		if err != nil {
			return nil, transient("loading message", err)
		}
		if existing != nil {
			return s.hydrateOne(ctx, existing)
		}
	}

	msgType := input.MessageType
	if msgType == "" {
		msgType = domain.MessageText
	}
	in := validator.MessageInput{
		Type:          string(msgType),
		Content:       input.Content,
		HasAttachment: input.Attachment != nil,
		HasLocation:   input.Location != nil,
	}
	if input.Attachment != nil {
		in.AttachmentURL = input.Attachment.URL
	}
	if input.Location != nil {
		in.Latitude = input.Location.Latitude
		in.Longitude = input.Location.Longitude
	}
	if errs := validator.ValidateMessage(in, conv.Settings.AllowFiles); errs.HasErrors() {
		return nil, invalid(errs)
	}

	if input.ReplyTo != nil {
		target, err := s.messageRepo.GetByID(ctx, *input.ReplyTo)
		if err != nil {
			return nil, transient("loading reply target", err)
		}
		if target == nil || target.ConversationID != conversationID {
			return nil, ErrInvalidReply
		}
	}
	if input.ForwardedFrom != nil {
		if err := s.checkForward(ctx, *input.ForwardedFrom, senderID); err != nil {
			return nil, err
		}
	}

	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        input.Content,
		Type:           msgType,
		Attachment:     input.Attachment,
		ReplyTo:        input.ReplyTo,
		ForwardedFrom:  input.ForwardedFrom,
		Nonce:          input.Nonce,
		State:          domain.StateActive,
	}
	if msgType == domain.MessageLocation {
		msg.Location = input.Location
	}

	// The slow-mode check runs inside the insert so two devices of the same
	// sender cannot both pass it.
	if err := s.messageRepo.Create(ctx, msg, conv.Settings.SlowModeDelay()); err != nil {
		var tooSoon *repository.SlowModeError
		if errors.As(err, &tooSoon) {
			return nil, ErrSlowMode.WithRetryAfter(tooSoon.RetryAfter)
		}
		if errors.Is(err, repository.ErrDuplicate) && input.Nonce != "" {
			existing, err := s.messageRepo.GetByNonce(ctx, conversationID, senderID, input.Nonce)
			if err != nil {
				return nil, transient("loading message", err)
			}
			if existing != nil {
				return s.hydrateOne(ctx, existing)
			}
		}
		return nil, transient("creating message", err)
	}
	metrics.MessagesSent.WithLabelValues(string(msgType)).Inc()

	// The message is durable from here on; follow-up failures are repaired
	// by the reconciler rather than failing the send.
	last := domain.LastMessageOf(msg)
	if err := s.convRepo.TouchLastMessage(ctx, conversationID, last); err != nil {
		s.followUpFailed(conversationID, msg.ID, "touch last message", err)
	}
	if err := s.convRepo.IncrementUnread(ctx, conversationID, msg.ID, senderID); err != nil {
		s.followUpFailed(conversationID, msg.ID, "increment unread", err)
	}
	conv.LastMessage = &last
	conv.LastActivity = msg.CreatedAt

	full, err := s.hydrateOne(ctx, msg)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyNewMessage(conv, full)
	}
	return full, nil
}

func (s *MessageService) checkForward(ctx context.Context, sourceID, senderID uuid.UUID) error {
	source, err := s.messageRepo.GetByID(ctx, sourceID)
	if err != nil {
		return transient("loading forwarded message", err)
	}
	if source == nil || source.IsDeleted() {
		return ErrInvalidForward
	}
	sourceConv, err := s.convRepo.GetByID(ctx, source.ConversationID)
	if err != nil {
		return transient("loading conversation", err)
	}
	if sourceConv == nil || !sourceConv.HasParticipant(senderID) {
		return ErrInvalidForward
	}
	return nil
}

func (s *MessageService) followUpFailed(conversationID, messageID uuid.UUID, step string, err error) {
	s.log.Error("message follow-up failed",
		zap.String("step", step),
		zap.Stringer("conversation_id", conversationID),
		zap.Stringer("message_id", messageID),
		zap.Error(err),
	)
	if s.reconciler != nil {
		s.reconciler.Schedule(conversationID)
	}
}

func (s *MessageService) Edit(ctx context.Context, messageID, editorID uuid.UUID, content string) (*domain.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, ErrNotMessageOwner
	}
	if msg.IsDeleted() {
		return nil, domain.ErrMessageDeleted
	}
	if errs := validator.ValidateEdit(content); errs.HasErrors() {
		return nil, invalid(errs)
	}

	ok, err := s.messageRepo.Edit(ctx, messageID, content, s.now())
	if err != nil {
		return nil, transient("editing message", err)
	}
	if !ok {
		// Deleted between the read and the update.
		return nil, domain.ErrMessageDeleted
	}

	updated, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadConversation(ctx, updated.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.LastMessage != nil && conv.LastMessage.ID == updated.ID {
		last := domain.LastMessageOf(updated)
		if err := s.convRepo.ReplaceLastMessage(ctx, conv.ID, &last); err != nil {
			s.followUpFailed(conv.ID, updated.ID, "refresh last message", err)
		}
		conv.LastMessage = &last
	}

	full, err := s.hydrateOne(ctx, updated)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyEditedMessage(conv, full)
	}
	return full, nil
}

// SoftDelete tombstones a message. The sender or a group admin may delete;
// deleting an already deleted message returns it unchanged.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID) (*domain.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requesterID && !conv.IsAdmin(requesterID) {
		return nil, ErrNotMessageOwner
	}
	if msg.IsDeleted() {
		return s.hydrateOne(ctx, msg)
	}

	deleted, err := s.messageRepo.SoftDelete(ctx, messageID, requesterID, s.now())
	if err != nil {
		return nil, transient("deleting message", err)
	}

	updated, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return s.hydrateOne(ctx, updated)
	}

	if conv.LastMessage != nil && conv.LastMessage.ID == messageID {
		if err := s.refreshLastMessage(ctx, conv); err != nil {
			s.followUpFailed(conv.ID, messageID, "refresh last message", err)
		}
	}
	// Unread counts exclude deleted messages; recount in the background.
	if s.reconciler != nil {
		s.reconciler.Schedule(conv.ID)
	}

	s.log.Info("message deleted",
		zap.Stringer("message_id", messageID),
		zap.Stringer("conversation_id", conv.ID),
		zap.Stringer("deleted_by", requesterID),
	)

	full, err := s.hydrateOne(ctx, updated)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyDeletedMessage(conv, full)
	}
	return full, nil
}

func (s *MessageService) refreshLastMessage(ctx context.Context, conv *domain.Conversation) error {
	latest, err := s.messageRepo.Latest(ctx, conv.ID)
	if err != nil {
		return err
	}
	var last *domain.LastMessage
	if latest != nil {
		lm := domain.LastMessageOf(latest)
		last = &lm
	}
	if err := s.convRepo.ReplaceLastMessage(ctx, conv.ID, last); err != nil {
		return err
	}
	conv.LastMessage = last
	return nil
}

// AddReaction sets userID's reaction, replacing any previous one, and
// returns the message's reactions.
func (s *MessageService) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) ([]domain.Reaction, error) {
	msg, conv, err := s.readable(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted() {
		return nil, domain.ErrMessageDeleted
	}
	if errs := validator.ValidateEmoji(emoji); errs.HasErrors() {
		return nil, invalid(errs)
	}

	reaction := domain.Reaction{UserID: userID, Emoji: strings.TrimSpace(emoji), ReactedAt: s.now()}
	if err := s.messageRepo.UpsertReaction(ctx, messageID, reaction); err != nil {
		return nil, transient("saving reaction", err)
	}

	reactions, err := s.reactionsOf(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.NotifyReactionUpdated(conv, messageID, reactions)
	}
	return reactions, nil
}

func (s *MessageService) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID) ([]domain.Reaction, error) {
	msg, conv, err := s.readable(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted() {
		return nil, domain.ErrMessageDeleted
	}

	removed, err := s.messageRepo.DeleteReaction(ctx, messageID, userID)
	if err != nil {
		return nil, transient("removing reaction", err)
	}

	reactions, err := s.reactionsOf(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if removed && s.notifier != nil {
		s.notifier.NotifyReactionUpdated(conv, messageID, reactions)
	}
	return reactions, nil
}

func (s *MessageService) reactionsOf(ctx context.Context, messageID uuid.UUID) ([]domain.Reaction, error) {
	byID, err := s.messageRepo.Reactions(ctx, []uuid.UUID{messageID})
	if err != nil {
		return nil, transient("loading reactions", err)
	}
	reactions := byID[messageID]
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	return reactions, nil
}

// MarkRead records a read receipt. It reports whether a new receipt was
// written; own and deleted messages are never recorded.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	msg, conv, err := s.readable(ctx, messageID, userID)
	if err != nil {
		return false, err
	}
	if msg.SenderID == userID || msg.IsDeleted() {
		return false, nil
	}

	readAt := s.now()
	created, err := s.messageRepo.MarkRead(ctx, messageID, userID, readAt)
	if err != nil {
		return false, transient("saving read receipt", err)
	}
	if !created {
		return false, nil
	}

	if err := s.convRepo.DecrementUnread(ctx, conv.ID, userID); err != nil {
		s.followUpFailed(conv.ID, messageID, "decrement unread", err)
	}
	if s.notifier != nil {
		s.notifier.NotifyMessageRead(conv, messageID, userID, readAt)
	}
	return true, nil
}

// MarkConversationRead marks everything visible to userID as read and
// resets their unread count. Returns the ids newly marked.
func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	readAt := s.now()
	ids, err := s.messageRepo.MarkConversationRead(ctx, conversationID, userID, readAt)
	if err != nil {
		return nil, transient("saving read receipts", err)
	}
	if err := s.convRepo.ResetUnread(ctx, conversationID, userID); err != nil {
		return nil, transient("resetting unread", err)
	}

	if ids == nil {
		ids = []uuid.UUID{}
	}
	if len(ids) > 0 && s.notifier != nil {
		s.notifier.NotifyConversationRead(conv, userID, ids, readAt)
	}
	return ids, nil
}

func (s *MessageService) History(ctx context.Context, conversationID, requesterID uuid.UUID, input HistoryInput) (*MessageListResponse, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, ErrNotParticipant
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	q := repository.HistoryQuery{Limit: limit + 1, IncludeDeleted: input.IncludeDeleted}
	if input.Before != nil {
		cursor, err := s.messageRepo.GetByID(ctx, *input.Before)
		if err != nil {
			return nil, transient("loading cursor", err)
		}
		if cursor == nil || cursor.ConversationID != conversationID {
			return nil, ErrInvalidCursor
		}
		q.Before = input.Before
	} else if input.Page > 1 {
		q.Offset = (input.Page - 1) * limit
	}

	// Fetch limit+1 to know whether there is more
	messages, err := s.messageRepo.List(ctx, conversationID, q)
	if err != nil {
		return nil, transient("listing messages", err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[len(messages)-limit:] // keep the newest "limit"
	}

	total, err := s.messageRepo.Count(ctx, conversationID)
	if err != nil {
		return nil, transient("counting messages", err)
	}

	if err := s.hydrate(ctx, messages); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	return &MessageListResponse{
		Messages: messages,
		HasMore:  hasMore,
		Total:    total,
	}, nil
}

// Reconcile recomputes every participant's unread count and last_message
// from stored messages. It is idempotent.
func (s *MessageService) Reconcile(ctx context.Context, conversationID uuid.UUID) error {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if err := s.convRepo.RecountUnread(ctx, conversationID); err != nil {
		return transient("recounting unread", err)
	}

	if err := s.refreshLastMessage(ctx, conv); err != nil {
		return transient("refreshing last message", err)
	}
	return nil
}

func (s *MessageService) loadConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, transient("loading conversation", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MessageService) loadMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	msg, err := s.messageRepo.GetByID(ctx, id)
	if err != nil {
		return nil, transient("loading message", err)
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// readable loads a message and its conversation, requiring userID to
// participate in it.
func (s *MessageService) readable(ctx context.Context, messageID, userID uuid.UUID) (*domain.Message, *domain.Conversation, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.loadConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, nil, ErrNotParticipant
	}
	return msg, conv, nil
}

func (s *MessageService) hydrateOne(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	batch := []domain.Message{*msg}
	if err := s.hydrate(ctx, batch); err != nil {
		return nil, err
	}
	return &batch[0], nil
}

// hydrate attaches sender previews, reply/forward previews, reactions and
// read receipts in one query per kind.
func (s *MessageService) hydrate(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(messages))
	var senders, refs []uuid.UUID
	for _, m := range messages {
		ids = append(ids, m.ID)
		senders = append(senders, m.SenderID)
		if m.ReplyTo != nil {
			refs = append(refs, *m.ReplyTo)
		}
		if m.ForwardedFrom != nil {
			refs = append(refs, *m.ForwardedFrom)
		}
	}

	users, err := s.userRepo.GetPreviews(ctx, senders)
	if err != nil {
		return transient("loading senders", err)
	}
	previews, err := s.messageRepo.GetPreviews(ctx, refs)
	if err != nil {
		return transient("loading message previews", err)
	}
	reactions, err := s.messageRepo.Reactions(ctx, ids)
	if err != nil {
		return transient("loading reactions", err)
	}
	receipts, err := s.messageRepo.ReadReceipts(ctx, ids)
	if err != nil {
		return transient("loading read receipts", err)
	}

	for i := range messages {
		m := &messages[i]
		if u, ok := users[m.SenderID]; ok {
			m.Sender = &u
		}
		if m.ReplyTo != nil {
			if p, ok := previews[*m.ReplyTo]; ok {
				m.ReplyPreview = &p
			}
		}
		if m.ForwardedFrom != nil {
			if p, ok := previews[*m.ForwardedFrom]; ok {
				m.ForwardPreview = &p
			}
		}
		m.Reactions = reactions[m.ID]
		if m.Reactions == nil {
			m.Reactions = []domain.Reaction{}
		}
		m.ReadBy = receipts[m.ID]
		if m.ReadBy == nil {
			m.ReadBy = []domain.ReadReceipt{}
		}
	}
	return nil
}

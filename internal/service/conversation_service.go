package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
	"github.com/vedran77/relay/pkg/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// directCreateTimeout bounds a shared FindOrCreateDirect flight, which
	// outlives the cancellation of the caller that started it.
	directCreateTimeout = 10 * time.Second
)

type ConversationService struct {
	convRepo repository.ConversationRepository
	userRepo repository.UserRepository
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	// collapses concurrent FindOrCreateDirect calls for the same pair
	direct singleflight.Group
}

func NewConversationService(convRepo repository.ConversationRepository, userRepo repository.UserRepository, log *zap.Logger) *ConversationService {
	return &ConversationService{
		convRepo: convRepo,
		userRepo: userRepo,
		log:      log,
		now:      time.Now,
	}
}

// SetNotifier sets the real-time notifier (optional dependency).
func (s *ConversationService) SetNotifier(n Notifier) {
	s.notifier = n
}

type CreateGroupInput struct {
	ParticipantIDs []uuid.UUID `json:"participants"`
	Name           string      `json:"group_name"`
	Description    string      `json:"group_description"`
}

type UpdateGroupInput struct {
	Name        *string `json:"group_name,omitempty"`
	Description *string `json:"group_description,omitempty"`
}

// UpdateSettingsInput is a partial update; nil fields keep their value.
type UpdateSettingsInput struct {
	SlowMode             *bool `json:"slow_mode,omitempty"`
	SlowModeDelaySeconds *int  `json:"slow_mode_delay_seconds,omitempty"`
	AllowFiles           *bool `json:"allow_files,omitempty"`
	AllowInvites         *bool `json:"allow_invites,omitempty"`
}

type ListConversationsInput struct {
	Page   int
	Limit  int
	Search string
}

type ConversationListResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Total         int                   `json:"total"`
	Page          int                   `json:"page"`
	Limit         int                   `json:"limit"`
	HasMore       bool                  `json:"has_more"`
}

type directResult struct {
	conv    *domain.Conversation
	created bool
}

// FindOrCreateDirect returns the single direct conversation between the two
// users, creating it if needed. created reports whether this call created it.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, userID, otherID uuid.UUID) (*domain.Conversation, bool, error) {
	if userID == otherID {
		return nil, false, ErrCannotDMSelf
	}

	other, err := s.userRepo.GetByID(ctx, otherID)
	if err != nil {
		return nil, false, transient("loading user", err)
	}
	if other == nil {
		return nil, false, ErrUserNotFound
	}

	key := domain.DirectKey(userID, otherID)
	v, err, _ := s.direct.Do(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directCreateTimeout)
		defer cancel()
		return s.findOrCreateDirect(flightCtx, key, userID, otherID)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(directResult)

	// The flight result is shared between callers; annotate a copy.
	conv := *res.conv
	if err := s.annotate(ctx, &conv, userID); err != nil {
		return nil, false, err
	}
	return &conv, res.created, nil
}

func (s *ConversationService) findOrCreateDirect(ctx context.Context, key string, userID, otherID uuid.UUID) (directResult, error) {
	existing, err := s.convRepo.GetByDirectKey(ctx, key)
	if err != nil {
		return directResult{}, transient("loading conversation", err)
	}
	if existing != nil {
		return directResult{conv: existing}, s.reactivate(ctx, existing)
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:           uuid.New(),
		Participants: []uuid.UUID{userID, otherID},
		Settings:     domain.DefaultSettings(),
		LastActivity: now,
		IsActive:     true,
		CreatedBy:    userID,
		CreatedAt:    now,
		DirectKey:    key,
	}

	created, err := s.convRepo.CreateDirect(ctx, conv)
	if err != nil {
		return directResult{}, transient("creating conversation", err)
	}
	if !created {
		// Another instance inserted the same pair first.
		existing, err := s.convRepo.GetByDirectKey(ctx, key)
		if err != nil {
			return directResult{}, transient("loading conversation", err)
		}
		if existing == nil {
			return directResult{}, ErrConversationNotFound
		}
		return directResult{conv: existing}, s.reactivate(ctx, existing)
	}

	s.log.Info("direct conversation created",
		zap.Stringer("conversation_id", conv.ID),
		zap.Stringer("created_by", userID),
	)
	if s.notifier != nil {
		s.notifier.NotifyConversationUpdated(conv)
	}
	return directResult{conv: conv, created: true}, nil
}

func (s *ConversationService) reactivate(ctx context.Context, conv *domain.Conversation) error {
	if conv.IsActive {
		return nil
	}
	if err := s.convRepo.SetActive(ctx, conv.ID, true); err != nil {
		return transient("reactivating conversation", err)
	}
	conv.IsActive = true
	return nil
}

func (s *ConversationService) CreateGroup(ctx context.Context, creatorID uuid.UUID, input CreateGroupInput) (*domain.Conversation, error) {
	if errs := validator.ValidateGroup(input.Name, input.Description); errs.HasErrors() {
		return nil, invalid(errs)
	}

	participants := []uuid.UUID{creatorID}
	for _, id := range input.ParticipantIDs {
		if !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}
	if len(participants) < 2 {
		return nil, ErrGroupTooSmall
	}

	previews, err := s.userRepo.GetPreviews(ctx, participants[1:])
	if err != nil {
		return nil, transient("loading users", err)
	}
	for _, id := range participants[1:] {
		if _, ok := previews[id]; !ok {
			return nil, ErrUserNotFound.WithFields(map[string]string{"participants": id.String()})
		}
	}

	name := strings.TrimSpace(input.Name)
	description := strings.TrimSpace(input.Description)
	now := s.now()
	conv := &domain.Conversation{
		ID:               uuid.New(),
		IsGroup:          true,
		GroupName:        &name,
		GroupDescription: &description,
		Participants:     participants,
		Admins:           []uuid.UUID{creatorID},
		Settings:         domain.DefaultSettings(),
		LastActivity:     now,
		IsActive:         true,
		CreatedBy:        creatorID,
		CreatedAt:        now,
	}

	if err := s.convRepo.Create(ctx, conv); err != nil {
		return nil, transient("creating group", err)
	}

	s.log.Info("group created",
		zap.Stringer("conversation_id", conv.ID),
		zap.Stringer("created_by", creatorID),
		zap.Int("participants", len(participants)),
	)
	if s.notifier != nil {
		s.notifier.NotifyConversationUpdated(conv)
	}

	if err := s.annotate(ctx, conv, creatorID); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns the conversation if the requester participates in it.
func (s *ConversationService) Get(ctx context.Context, conversationID, requesterID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := s.annotate(ctx, conv, requesterID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID uuid.UUID, input ListConversationsInput) (*ConversationListResponse, error) {
	page := input.Page
	if page < 1 {
		page = 1
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	convs, total, err := s.convRepo.ListByUser(ctx, userID, repository.ConversationFilter{
		Search: strings.TrimSpace(input.Search),
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, transient("listing conversations", err)
	}

	var ids []uuid.UUID
	for _, c := range convs {
		ids = append(ids, c.Participants...)
	}
	previews, err := s.userRepo.GetPreviews(ctx, ids)
	if err != nil {
		return nil, transient("loading users", err)
	}
	for i := range convs {
		convs[i].Members = membersOf(&convs[i], previews)
	}

	if convs == nil {
		convs = []domain.Conversation{}
	}

	return &ConversationListResponse{
		Conversations: convs,
		Total:         total,
		Page:          page,
		Limit:         limit,
		HasMore:       page*limit < total,
	}, nil
}

func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, ErrNotGroup
	}
	if !conv.IsAdmin(actorID) && !conv.Settings.AllowInvites {
		return nil, ErrNotAdmin
	}

	if conv.HasParticipant(userID) {
		return s.annotated(ctx, conv, actorID)
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, transient("loading user", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	added, err := s.convRepo.AddParticipant(ctx, conversationID, userID, domain.RoleMember)
	if err != nil {
		return nil, transient("adding participant", err)
	}
	if added {
		s.log.Info("participant added",
			zap.Stringer("conversation_id", conversationID),
			zap.Stringer("user_id", userID),
			zap.Stringer("actor_id", actorID),
		)
	}
	return s.reloadAndNotify(ctx, conversationID, actorID, added)
}

// RemoveParticipant removes userID from a group. Admins may remove anyone;
// any participant may remove themselves.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, ErrNotGroup
	}
	if actorID != userID && !conv.IsAdmin(actorID) {
		return nil, ErrNotAdmin
	}

	if !conv.HasParticipant(userID) {
		return s.annotated(ctx, conv, actorID)
	}
	if len(conv.Participants)-1 < 2 {
		return nil, ErrTooFewParticipants
	}

	removed, err := s.convRepo.RemoveParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, transient("removing participant", err)
	}

	// Keep at least one admin: promote the longest-standing member.
	if removed && conv.IsAdmin(userID) && len(conv.Admins) == 1 {
		for _, p := range conv.Participants {
			if p == userID {
				continue
			}
			if err := s.convRepo.SetRole(ctx, conversationID, p, domain.RoleAdmin); err != nil {
				return nil, transient("promoting admin", err)
			}
			break
		}
	}

	updated, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, transient("loading conversation", err)
	}
	if updated == nil {
		return nil, ErrConversationNotFound
	}

	if removed {
		s.log.Info("participant removed",
			zap.Stringer("conversation_id", conversationID),
			zap.Stringer("user_id", userID),
			zap.Stringer("actor_id", actorID),
		)
		if s.notifier != nil {
			s.notifier.NotifyConversationUpdated(updated, userID)
		}
	}

	if actorID == userID {
		// The caller left; there is no unread slot to report.
		return updated, nil
	}
	return s.annotated(ctx, updated, actorID)
}

func (s *ConversationService) UpdateSettings(ctx context.Context, conversationID, actorID uuid.UUID, input UpdateSettingsInput) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.IsGroup && !conv.IsAdmin(actorID) {
		return nil, ErrNotAdmin
	}

	settings := conv.Settings
	if input.SlowMode != nil {
		settings.SlowMode = *input.SlowMode
	}
	if input.SlowModeDelaySeconds != nil {
		settings.SlowModeDelaySeconds = *input.SlowModeDelaySeconds
	}
	if input.AllowFiles != nil {
		settings.AllowFiles = *input.AllowFiles
	}
	if input.AllowInvites != nil {
		settings.AllowInvites = *input.AllowInvites
	}
	if errs := validator.ValidateSlowMode(settings.SlowMode, settings.SlowModeDelaySeconds); errs.HasErrors() {
		return nil, invalid(errs)
	}

	if err := s.convRepo.UpdateSettings(ctx, conversationID, settings); err != nil {
		return nil, transient("updating settings", err)
	}
	return s.reloadAndNotify(ctx, conversationID, actorID, true)
}

func (s *ConversationService) UpdateGroup(ctx context.Context, conversationID, actorID uuid.UUID, input UpdateGroupInput) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, ErrNotGroup
	}
	if !conv.IsAdmin(actorID) {
		return nil, ErrNotAdmin
	}

	name := deref(conv.GroupName)
	if input.Name != nil {
		name = *input.Name
	}
	description := deref(conv.GroupDescription)
	if input.Description != nil {
		description = *input.Description
	}
	if errs := validator.ValidateGroup(name, description); errs.HasErrors() {
		return nil, invalid(errs)
	}

	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if err := s.convRepo.UpdateGroup(ctx, conversationID, &name, &description); err != nil {
		return nil, transient("updating group", err)
	}
	return s.reloadAndNotify(ctx, conversationID, actorID, true)
}

func (s *ConversationService) PromoteAdmin(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.adminAction(ctx, conversationID, actorID, userID)
	if err != nil {
		return nil, err
	}
	if conv.IsAdmin(userID) {
		return s.annotated(ctx, conv, actorID)
	}
	if err := s.convRepo.SetRole(ctx, conversationID, userID, domain.RoleAdmin); err != nil {
		return nil, transient("promoting admin", err)
	}
	return s.reloadAndNotify(ctx, conversationID, actorID, true)
}

func (s *ConversationService) DemoteAdmin(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.adminAction(ctx, conversationID, actorID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(userID) {
		return s.annotated(ctx, conv, actorID)
	}
	if len(conv.Admins) == 1 {
		return nil, ErrLastAdmin
	}
	if err := s.convRepo.SetRole(ctx, conversationID, userID, domain.RoleMember); err != nil {
		return nil, transient("demoting admin", err)
	}
	return s.reloadAndNotify(ctx, conversationID, actorID, true)
}

func (s *ConversationService) adminAction(ctx context.Context, conversationID, actorID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, ErrNotGroup
	}
	if !conv.IsAdmin(actorID) {
		return nil, ErrNotAdmin
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Archive hides the conversation from listings. Sending to it fails until
// it is reactivated.
func (s *ConversationService) Archive(ctx context.Context, conversationID, actorID uuid.UUID) error {
	conv, err := s.forParticipant(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if conv.IsGroup && !conv.IsAdmin(actorID) {
		return ErrNotAdmin
	}
	if !conv.IsActive {
		return nil
	}
	if err := s.convRepo.SetActive(ctx, conversationID, false); err != nil {
		return transient("archiving conversation", err)
	}
	conv.IsActive = false

	s.log.Info("conversation archived",
		zap.Stringer("conversation_id", conversationID),
		zap.Stringer("actor_id", actorID),
	)
	if s.notifier != nil {
		s.notifier.NotifyConversationUpdated(conv)
	}
	return nil
}

// IncrementUnread counts messageID as unread for everyone but exceptUserID.
// Repeating it for the same message has no effect.
func (s *ConversationService) IncrementUnread(ctx context.Context, conversationID, messageID, exceptUserID uuid.UUID) error {
	if err := s.convRepo.IncrementUnread(ctx, conversationID, messageID, exceptUserID); err != nil {
		return transient("incrementing unread", err)
	}
	return nil
}

func (s *ConversationService) ResetUnread(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := s.convRepo.ResetUnread(ctx, conversationID, userID); err != nil {
		return transient("resetting unread", err)
	}
	return nil
}

func (s *ConversationService) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return false, transient("loading conversation", err)
	}
	return conv != nil && conv.HasParticipant(userID), nil
}

func (s *ConversationService) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, transient("loading conversation", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv.Participants, nil
}

// ContactsOf returns everyone sharing an active conversation with userID.
func (s *ConversationService) ContactsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := s.convRepo.ListContacts(ctx, userID)
	if err != nil {
		return nil, transient("listing contacts", err)
	}
	return ids, nil
}

func (s *ConversationService) forParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, transient("loading conversation", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

func (s *ConversationService) reloadAndNotify(ctx context.Context, conversationID, actorID uuid.UUID, changed bool) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, transient("loading conversation", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if changed && s.notifier != nil {
		s.notifier.NotifyConversationUpdated(conv)
	}
	return s.annotated(ctx, conv, actorID)
}

func (s *ConversationService) annotated(ctx context.Context, conv *domain.Conversation, userID uuid.UUID) (*domain.Conversation, error) {
	if err := s.annotate(ctx, conv, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

// annotate fills the per-caller fields: unread count and member previews.
func (s *ConversationService) annotate(ctx context.Context, conv *domain.Conversation, userID uuid.UUID) error {
	unread, err := s.convRepo.GetUnread(ctx, conv.ID, userID)
	if err != nil {
		return transient("loading unread count", err)
	}
	conv.UnreadCount = unread

	previews, err := s.userRepo.GetPreviews(ctx, conv.Participants)
	if err != nil {
		return transient("loading users", err)
	}
	conv.Members = membersOf(conv, previews)
	return nil
}

func membersOf(conv *domain.Conversation, previews map[uuid.UUID]domain.UserPreview) []domain.UserPreview {
	members := make([]domain.UserPreview, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		if p, ok := previews[id]; ok {
			members = append(members, p)
		}
	}
	return members
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

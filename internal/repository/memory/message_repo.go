package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type MessageRepo struct {
	store *Store
}

func NewMessageRepo(store *Store) *MessageRepo {
	return &MessageRepo{store: store}
}

func (r *MessageRepo) Create(ctx context.Context, msg *domain.Message, minGap time.Duration) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return repository.ErrDuplicate
	}
	var key string
	if msg.Nonce != "" {
		key = nonceKey(msg.ConversationID, msg.SenderID, msg.Nonce)
		if _, ok := s.nonces[key]; ok {
			return repository.ErrDuplicate
		}
	}
	if minGap > 0 {
		if last := s.lastSentAt(msg.ConversationID, msg.SenderID); last != nil {
			if elapsed := s.now().Sub(*last); elapsed < minGap {
				return &repository.SlowModeError{RetryAfter: minGap - elapsed}
			}
		}
	}
	if key != "" {
		s.nonces[key] = msg.ID
	}

	msg.CreatedAt = s.tick()
	if msg.State == "" {
		msg.State = domain.StateActive
	}
	s.messages[msg.ID] = copyMessage(msg)
	s.byConversation[msg.ConversationID] = append(s.byConversation[msg.ConversationID], msg.ID)
	s.uncounted[msg.ID] = struct{}{}
	return nil
}

// lastSentAt must be called with the lock held.
func (s *Store) lastSentAt(conversationID, senderID uuid.UUID) *time.Time {
	ids := s.byConversation[conversationID]
	for i := len(ids) - 1; i >= 0; i-- {
		if m := s.messages[ids[i]]; m.SenderID == senderID {
			at := m.CreatedAt
			return &at
		}
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return copyMessage(m), nil
}

func (r *MessageRepo) GetByNonce(ctx context.Context, conversationID, senderID uuid.UUID, nonce string) (*domain.Message, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.nonces[nonceKey(conversationID, senderID, nonce)]
	if !ok {
		return nil, nil
	}
	return copyMessage(s.messages[id]), nil
}

func (r *MessageRepo) GetPreviews(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.MessagePreview, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]domain.MessagePreview, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = m.ToPreview()
		}
	}
	return out, nil
}

func (r *MessageRepo) List(ctx context.Context, conversationID uuid.UUID, q repository.HistoryQuery) ([]domain.Message, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConversation[conversationID]

	// Walk newest to oldest, the same direction the SQL query pages in.
	var cursor *domain.Message
	if q.Before != nil {
		cursor = s.messages[*q.Before]
		if cursor == nil {
			return []domain.Message{}, nil
		}
	}

	var page []domain.Message
	skipped := 0
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.messages[ids[i]]
		if !q.IncludeDeleted && m.IsDeleted() {
			continue
		}
		if cursor != nil && !m.CreatedAt.Before(cursor.CreatedAt) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		page = append(page, *copyMessage(m))
		if q.Limit > 0 && len(page) == q.Limit {
			break
		}
	}

	slices.Reverse(page)
	if page == nil {
		page = []domain.Message{}
	}
	return page, nil
}

func (r *MessageRepo) Count(ctx context.Context, conversationID uuid.UUID) (int, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConversation[conversationID]), nil
}

func (r *MessageRepo) Latest(ctx context.Context, conversationID uuid.UUID) (*domain.Message, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConversation[conversationID]
	for i := len(ids) - 1; i >= 0; i-- {
		if m := s.messages[ids[i]]; !m.IsDeleted() {
			return copyMessage(m), nil
		}
	}
	return nil, nil
}

func (r *MessageRepo) Edit(ctx context.Context, id uuid.UUID, content string, at time.Time) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	if err := m.Edit(content, at); err != nil {
		return false, nil
	}
	return true, nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id, by uuid.UUID, at time.Time) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.IsDeleted() {
		return false, nil
	}
	m.Delete(by, at)
	return true, nil
}

func (r *MessageRepo) UpsertReaction(ctx context.Context, messageID uuid.UUID, reaction domain.Reaction) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[messageID]; ok {
		m.SetReaction(reaction)
	}
	return nil
}

func (r *MessageRepo) DeleteReaction(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	return m.RemoveReaction(userID), nil
}

func (r *MessageRepo) Reactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.Reaction, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID][]domain.Reaction, len(messageIDs))
	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok && len(m.Reactions) > 0 {
			out[id] = slices.Clone(m.Reactions)
		}
	}
	return out, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.ReadByUser(userID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, domain.ReadReceipt{UserID: userID, ReadAt: at})
	return true, nil
}

func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []uuid.UUID
	for _, id := range s.byConversation[conversationID] {
		m := s.messages[id]
		if m.IsDeleted() || m.SenderID == userID || m.ReadByUser(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, domain.ReadReceipt{UserID: userID, ReadAt: at})
		marked = append(marked, id)
	}
	return marked, nil
}

func (r *MessageRepo) ReadReceipts(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.ReadReceipt, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID][]domain.ReadReceipt, len(messageIDs))
	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok && len(m.ReadBy) > 0 {
			out[id] = slices.Clone(m.ReadBy)
		}
	}
	return out, nil
}

package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type ConversationRepo struct {
	store *Store
}

func NewConversationRepo(store *Store) *ConversationRepo {
	return &ConversationRepo{store: store}
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.ID]; ok {
		return repository.ErrDuplicate
	}
	s.conversations[conv.ID] = newRecord(conv)
	return nil
}

func (r *ConversationRepo) CreateDirect(ctx context.Context, conv *domain.Conversation) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.directKeys[conv.DirectKey]; ok {
		return false, nil
	}
	s.conversations[conv.ID] = newRecord(conv)
	s.directKeys[conv.DirectKey] = conv.ID
	return true, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return rec.snapshot(), nil
}

func (r *ConversationRepo) GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.directKeys[key]
	if !ok {
		return nil, nil
	}
	return s.conversations[id].snapshot(), nil
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID, filter repository.ConversationFilter) ([]domain.Conversation, int, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))

	var matched []domain.Conversation
	for _, rec := range s.conversations {
		slot, ok := rec.members[userID]
		if !ok || !rec.conv.IsActive {
			continue
		}
		if search != "" && !s.matches(rec, userID, search) {
			continue
		}
		c := rec.snapshot()
		c.UnreadCount = int(slot.unread.Load())
		matched = append(matched, *c)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastActivity.Equal(matched[j].LastActivity) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].LastActivity.After(matched[j].LastActivity)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []domain.Conversation{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < total {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

// matches must be called with the read lock held.
func (s *Store) matches(rec *conversationRecord, userID uuid.UUID, search string) bool {
	if rec.conv.GroupName != nil && strings.Contains(strings.ToLower(*rec.conv.GroupName), search) {
		return true
	}
	for _, id := range rec.order {
		if id == userID {
			continue
		}
		u, ok := s.users[id]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), search) || strings.Contains(strings.ToLower(u.DisplayName), search) {
			return true
		}
	}
	return false
}

func (r *ConversationRepo) ListContacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, rec := range s.conversations {
		if _, ok := rec.members[userID]; !ok || !rec.conv.IsActive {
			continue
		}
		for _, id := range rec.order {
			if id == userID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *ConversationRepo) UpdateGroup(ctx context.Context, id uuid.UUID, name, description *string) error {
	return r.mutate(id, func(rec *conversationRecord) {
		if name != nil {
			n := *name
			rec.conv.GroupName = &n
		}
		if description != nil {
			d := *description
			rec.conv.GroupDescription = &d
		}
	})
}

func (r *ConversationRepo) UpdateSettings(ctx context.Context, id uuid.UUID, settings domain.Settings) error {
	return r.mutate(id, func(rec *conversationRecord) { rec.conv.Settings = settings })
}

func (r *ConversationRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.mutate(id, func(rec *conversationRecord) { rec.conv.IsActive = active })
}

func (r *ConversationRepo) AddParticipant(ctx context.Context, id, userID uuid.UUID, role string) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[id]
	if !ok {
		return false, nil
	}
	return rec.add(userID, role, s.now()), nil
}

func (r *ConversationRepo) RemoveParticipant(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[id]
	if !ok {
		return false, nil
	}
	return rec.remove(userID), nil
}

func (r *ConversationRepo) SetRole(ctx context.Context, id, userID uuid.UUID, role string) error {
	return r.mutate(id, func(rec *conversationRecord) {
		if slot, ok := rec.members[userID]; ok {
			slot.role = role
		}
	})
}

func (r *ConversationRepo) ListMembers(ctx context.Context, id uuid.UUID) ([]domain.Member, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	members := make([]domain.Member, 0, len(rec.order))
	for _, uid := range rec.order {
		slot := rec.members[uid]
		members = append(members, domain.Member{
			UserID:      uid,
			Role:        slot.role,
			UnreadCount: int(slot.unread.Load()),
			JoinedAt:    slot.joinedAt,
		})
	}
	return members, nil
}

func (r *ConversationRepo) GetUnread(ctx context.Context, id, userID uuid.UUID) (int, error) {
	var n int
	r.withSlot(id, userID, func(slot *memberSlot) { n = int(slot.unread.Load()) })
	return n, nil
}

func (r *ConversationRepo) IncrementUnread(ctx context.Context, id, messageID, exceptUserID uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[id]
	if !ok {
		return nil
	}
	if _, pending := s.uncounted[messageID]; !pending {
		return nil
	}
	delete(s.uncounted, messageID)

	for uid, slot := range rec.members {
		if uid != exceptUserID {
			slot.unread.Add(1)
		}
	}
	return nil
}

func (r *ConversationRepo) DecrementUnread(ctx context.Context, id, userID uuid.UUID) error {
	r.withSlot(id, userID, func(slot *memberSlot) {
		for {
			cur := slot.unread.Load()
			if cur <= 0 || slot.unread.CompareAndSwap(cur, cur-1) {
				return
			}
		}
	})
	return nil
}

func (r *ConversationRepo) ResetUnread(ctx context.Context, id, userID uuid.UUID) error {
	r.withSlot(id, userID, func(slot *memberSlot) { slot.unread.Store(0) })
	return nil
}

func (r *ConversationRepo) RecountUnread(ctx context.Context, id uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[id]
	if !ok {
		return nil
	}
	ids := s.byConversation[id]
	for _, mid := range ids {
		delete(s.uncounted, mid)
	}
	for uid, slot := range rec.members {
		n := 0
		for _, mid := range ids {
			m := s.messages[mid]
			if m.IsDeleted() || m.SenderID == uid || m.CreatedAt.Before(slot.joinedAt) || m.ReadByUser(uid) {
				continue
			}
			n++
		}
		slot.unread.Store(int64(n))
	}
	return nil
}

func (r *ConversationRepo) TouchLastMessage(ctx context.Context, id uuid.UUID, last domain.LastMessage) error {
	return r.mutate(id, func(rec *conversationRecord) {
		if rec.conv.LastMessage != nil && last.CreatedAt.Before(rec.conv.LastMessage.CreatedAt) {
			return
		}
		lm := last
		rec.conv.LastMessage = &lm
		rec.conv.LastActivity = last.CreatedAt
	})
}

func (r *ConversationRepo) ReplaceLastMessage(ctx context.Context, id uuid.UUID, last *domain.LastMessage) error {
	return r.mutate(id, func(rec *conversationRecord) {
		if last == nil {
			rec.conv.LastMessage = nil
			return
		}
		lm := *last
		rec.conv.LastMessage = &lm
		if lm.CreatedAt.After(rec.conv.LastActivity) {
			rec.conv.LastActivity = lm.CreatedAt
		}
	})
}

func (r *ConversationRepo) mutate(id uuid.UUID, fn func(*conversationRecord)) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.conversations[id]; ok {
		fn(rec)
	}
	return nil
}

// withSlot runs fn under the read lock; slots are only added or removed
// under the write lock, so the atomic counter is safe to touch here.
func (r *ConversationRepo) withSlot(id, userID uuid.UUID, fn func(*memberSlot)) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[id]
	if !ok {
		return
	}
	if slot, ok := rec.members[userID]; ok {
		fn(slot)
	}
}

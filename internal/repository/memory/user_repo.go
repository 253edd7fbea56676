package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

type UserRepo struct {
	store *Store
	// lenient resolves unknown ids to placeholder users (dev mode).
	lenient bool
}

func NewUserRepo(store *Store) *UserRepo {
	return &UserRepo{store: store}
}

// NewLenientUserRepo treats every id as an existing user. It lets the
// in-memory driver run without an identity service.
func NewLenientUserRepo(store *Store) *UserRepo {
	return &UserRepo{store: store, lenient: true}
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		if !r.lenient {
			return nil, nil
		}
		u = placeholder(id)
	}
	if at, ok := s.lastSeen[id]; ok {
		u.LastSeen = &at
	}
	return &u, nil
}

func (r *UserRepo) GetPreviews(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.UserPreview, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]domain.UserPreview, len(ids))
	for _, id := range ids {
		u, ok := s.users[id]
		if !ok {
			if !r.lenient {
				continue
			}
			u = placeholder(id)
		}
		out[id] = u.Preview()
	}
	return out, nil
}

func placeholder(id uuid.UUID) domain.User {
	short := id.String()[:8]
	return domain.User{ID: id, Username: short, DisplayName: short}
}

type PresenceRepo struct {
	store *Store
}

func NewPresenceRepo(store *Store) *PresenceRepo {
	return &PresenceRepo{store: store}
}

func (r *PresenceRepo) SetOnline(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return r.SetLastSeen(ctx, userID, at)
}

func (r *PresenceRepo) SetLastSeen(ctx context.Context, userID uuid.UUID, at time.Time) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = at
	return nil
}

func (r *PresenceRepo) GetLastSeen(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]time.Time, len(ids))
	for _, id := range ids {
		if at, ok := s.lastSeen[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}

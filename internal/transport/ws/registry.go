package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live connections per user. A user may hold several at
// once, one per device.
type Registry struct {
	mu    sync.RWMutex
	users map[uuid.UUID]map[*Client]struct{}
	count int
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[uuid.UUID]map[*Client]struct{})}
}

// Add registers c and reports whether it is the user's first connection.
func (r *Registry) Add(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		r.users[c.userID] = set
	}
	if _, dup := set[c]; dup {
		return false
	}
	set[c] = struct{}{}
	r.count++
	return !ok
}

// Remove unregisters c and reports whether it was the user's last
// connection. Removing an unknown client is a no-op.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	r.count--
	if len(set) == 0 {
		delete(r.users, c.userID)
		return true
	}
	return false
}

// Clients returns a snapshot of the user's connections.
func (r *Registry) Clients(userID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// Count is the number of live connections across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Registry) userCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

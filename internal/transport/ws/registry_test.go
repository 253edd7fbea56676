package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_MultiDeviceTransitions(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	phone := &Client{userID: user}
	laptop := &Client{userID: user}

	assert.True(t, r.Add(phone), "first connection")
	assert.False(t, r.Add(laptop), "second device")
	assert.False(t, r.Add(laptop), "re-adding is a no-op")
	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.Clients(user), 2)
	assert.True(t, r.IsOnline(user))

	assert.False(t, r.Remove(phone), "laptop still connected")
	assert.True(t, r.IsOnline(user))
	assert.True(t, r.Remove(laptop), "last connection")
	assert.False(t, r.IsOnline(user))
	assert.Zero(t, r.Count())
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	r := NewRegistry()
	user := uuid.New()
	known := &Client{userID: user}
	r.Add(known)

	assert.False(t, r.Remove(&Client{userID: uuid.New()}))
	assert.False(t, r.Remove(&Client{userID: user}))
	assert.Equal(t, 1, r.Count())

	require.True(t, r.Remove(known))
	assert.False(t, r.Remove(known), "double remove")
}

func TestRegistry_OnlineUsers(t *testing.T) {
	r := NewRegistry()
	a, b := uuid.New(), uuid.New()
	r.Add(&Client{userID: a})
	r.Add(&Client{userID: a})
	r.Add(&Client{userID: b})

	assert.ElementsMatch(t, []uuid.UUID{a, b}, r.OnlineUsers())
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.userCount())
	assert.Empty(t, r.Clients(uuid.New()))
}

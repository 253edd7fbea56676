package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server when REDIS_TEST_URL is set.
func TestPresenceRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_URL")
	if addr == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	repo := NewPresenceRepo(client, "relay-test-"+uuid.NewString())
	online, offline, unknown := uuid.New(), uuid.New(), uuid.New()
	at := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, repo.SetOnline(ctx, online, at))
	require.NoError(t, repo.SetLastSeen(ctx, offline, at.Add(-time.Minute)))

	got, err := repo.GetLastSeen(ctx, []uuid.UUID{online, offline, unknown})
	require.NoError(t, err)
	assert.True(t, got[online].Equal(at))
	assert.True(t, got[offline].Equal(at.Add(-time.Minute)))
	assert.NotContains(t, got, unknown)
}

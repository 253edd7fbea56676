package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PresenceRepo keeps last-seen state in Redis so every instance reads the
// same value. Keys: <prefix>:presence:<userID> -> {"status","last_seen"}.
type PresenceRepo struct {
	client *redis.Client
	prefix string
}

type presence struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func NewPresenceRepo(client *redis.Client, prefix string) *PresenceRepo {
	return &PresenceRepo{client: client, prefix: prefix}
}

// NewClient accepts either a redis:// URL or a bare host:port.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *PresenceRepo) key(userID uuid.UUID) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

func (r *PresenceRepo) SetOnline(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return r.set(ctx, userID, "online", at)
}

func (r *PresenceRepo) SetLastSeen(ctx context.Context, userID uuid.UUID, at time.Time) error {
	return r.set(ctx, userID, "offline", at)
}

func (r *PresenceRepo) set(ctx context.Context, userID uuid.UUID, status string, at time.Time) error {
	b, err := json.Marshal(presence{Status: status, LastSeen: at.UnixMilli()})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID), b, 0).Err()
}

func (r *PresenceRepo) GetLastSeen(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p presence
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[ids[i]] = time.UnixMilli(p.LastSeen)
	}
	return out, nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionPrefix = "session_id:"

// SessionStore records browser session ids. An id is live while its key
// exists; Touch slides the expiry forward.
type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl}
}

// Create records a new session id.
func (s *SessionStore) Create(ctx context.Context, id string, now time.Time) error {
	if err := s.rdb.Set(ctx, sessionPrefix+id, now.UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Touch refreshes the TTL of id. It reports false when the id is unknown
// or has expired.
func (s *SessionStore) Touch(ctx context.Context, id string) (bool, error) {
	ok, err := s.rdb.Expire(ctx, sessionPrefix+id, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return ok, nil
}

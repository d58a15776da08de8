// Package cache is the ephemeral side of the service: in-flight OTP
// challenges, resend cooldowns and browser session ids, all in Redis with
// a TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrChallengeNotFound means no live challenge exists for the key.
	ErrChallengeNotFound = errors.New("otp challenge not found")
	// ErrBackend wraps Redis failures.
	ErrBackend = errors.New("cache backend failure")
)

// Purpose scopes a challenge. Login and MFA-setup challenges never satisfy
// each other.
type Purpose string

const (
	PurposeLogin    Purpose = "login"
	PurposeMFASetup Purpose = "mfa"
)

// Challenge is an emailed code awaiting confirmation. Only the code's hash
// is kept.
type Challenge struct {
	UserID    string    `json:"user_id"`
	CodeHash  string    `json:"code_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// ChallengeStore keeps challenges under otp:<purpose>:<sessionID>.
type ChallengeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewChallengeStore(rdb *redis.Client, ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{rdb: rdb, ttl: ttl}
}

func challengeKey(sessionID string, p Purpose) string {
	return fmt.Sprintf("otp:%s:%s", p, sessionID)
}

func attemptsKey(sessionID string, p Purpose) string {
	return challengeKey(sessionID, p) + ":attempts"
}

// Save stores ch, replacing any earlier challenge for the same key and
// resetting its failed attempt count.
func (s *ChallengeStore) Save(ctx context.Context, sessionID string, p Purpose, ch Challenge) error {
	b, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, challengeKey(sessionID, p), b, s.ttl)
		pipe.Del(ctx, attemptsKey(sessionID, p))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Fail records a wrong code against the challenge and returns the number
// of failures so far. The counter expires with the challenge.
func (s *ChallengeStore) Fail(ctx context.Context, sessionID string, p Purpose) (int64, error) {
	key := attemptsKey(sessionID, p)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return incr.Val(), nil
}

// Get returns the live challenge or ErrChallengeNotFound.
func (s *ChallengeStore) Get(ctx context.Context, sessionID string, p Purpose) (Challenge, error) {
	b, err := s.rdb.Get(ctx, challengeKey(sessionID, p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var ch Challenge
	if err := json.Unmarshal(b, &ch); err != nil {
		return Challenge{}, fmt.Errorf("%w: decode challenge: %v", ErrBackend, err)
	}
	return ch, nil
}

// Delete removes the challenge. Deleting a missing key is not an error.
func (s *ChallengeStore) Delete(ctx context.Context, sessionID string, p Purpose) error {
	if err := s.rdb.Del(ctx, challengeKey(sessionID, p), attemptsKey(sessionID, p)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Cooldown rate-limits repeated actions with SET NX.
type Cooldown struct {
	rdb *redis.Client
}

func NewCooldown(rdb *redis.Client) *Cooldown { return &Cooldown{rdb: rdb} }

// Acquire reports whether key is free; if so it stays taken for ttl.
// A non-positive ttl always succeeds without touching Redis.
func (c *Cooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := c.rdb.SetNX(ctx, "cooldown:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return ok, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/jmoiron/sqlx"
)

const authTokenColumns = "token_id, user_id, token, token_type, created_at, expires_at, is_consumed, additional_data"

// AuthTokenRepo persists single-use tokens in `auth_tokens`.
type AuthTokenRepo struct{ store }

func NewAuthTokenRepo(db *sqlx.DB, policy database.RetryPolicy) *AuthTokenRepo {
	return &AuthTokenRepo{store{db: db, policy: policy}}
}

// Create inserts a single-use token.
func (r *AuthTokenRepo) Create(ctx context.Context, t model.AuthToken) error {
	_, err := r.exec(ctx,
		"INSERT INTO auth_tokens ("+authTokenColumns+") VALUES (?,?,?,?,?,?,?,?)",
		t.ID, t.UserID, t.Token, string(t.Type), t.CreatedAt, t.ExpiresAt, t.IsConsumed, t.AdditionalData)
	if err != nil {
		return fmt.Errorf("insert auth token: %w", err)
	}
	return nil
}

// FindActive fetches an unconsumed token of the given type that has not
// expired at now.
func (r *AuthTokenRepo) FindActive(ctx context.Context, token string, typ model.TokenType, now time.Time) (model.AuthToken, error) {
	var t model.AuthToken
	err := r.get(ctx, &t,
		"SELECT "+authTokenColumns+" FROM auth_tokens WHERE token = ? AND token_type = ? AND is_consumed = false AND expires_at > ? LIMIT 1",
		token, string(typ), now)
	if err != nil {
		return model.AuthToken{}, fmt.Errorf("find active auth token: %w", err)
	}
	return t, nil
}

// FindUnconsumed fetches an unconsumed token of the given type regardless of
// expiry. Callers check expiry themselves to tell "expired" from "invalid".
func (r *AuthTokenRepo) FindUnconsumed(ctx context.Context, token string, typ model.TokenType) (model.AuthToken, error) {
	var t model.AuthToken
	err := r.get(ctx, &t,
		"SELECT "+authTokenColumns+" FROM auth_tokens WHERE token = ? AND token_type = ? AND is_consumed = false LIMIT 1",
		token, string(typ))
	if err != nil {
		return model.AuthToken{}, fmt.Errorf("find auth token: %w", err)
	}
	return t, nil
}

// Consume flips is_consumed from false to true. It returns
// ErrAlreadyConsumed when no unconsumed row was updated, so of two racing
// consumers exactly one succeeds.
func (r *AuthTokenRepo) Consume(ctx context.Context, id string) error {
	n, err := r.exec(ctx, "UPDATE auth_tokens SET is_consumed = true WHERE token_id = ? AND is_consumed = false", id)
	if err != nil {
		return fmt.Errorf("consume auth token: %w", err)
	}
	if n == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/jmoiron/sqlx"
)

const refreshColumns = "refresh_token_id, user_id, token, access_token, user_agent, revoked, created_at, revoked_at, session_id"

// RefreshTokenRepo persists device sessions in `refresh_tokens`. Rows are
// revoked, never deleted.
type RefreshTokenRepo struct{ store }

func NewRefreshTokenRepo(db *sqlx.DB, policy database.RetryPolicy) *RefreshTokenRepo {
	return &RefreshTokenRepo{store{db: db, policy: policy}}
}

// Create inserts a new session record.
func (r *RefreshTokenRepo) Create(ctx context.Context, rec model.RefreshToken) error {
	_, err := r.exec(ctx,
		"INSERT INTO refresh_tokens ("+refreshColumns+") VALUES (?,?,?,?,?,?,?,?,?)",
		rec.ID, rec.UserID, rec.Token, rec.AccessToken, rec.UserAgent, rec.Revoked, rec.CreatedAt, rec.RevokedAt, rec.SessionID)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetByToken fetches the record holding the signed refresh token.
func (r *RefreshTokenRepo) GetByToken(ctx context.Context, token string) (model.RefreshToken, error) {
	var rec model.RefreshToken
	if err := r.get(ctx, &rec, "SELECT "+refreshColumns+" FROM refresh_tokens WHERE token = ? LIMIT 1", token); err != nil {
		return model.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return rec, nil
}

// GetByAccessToken fetches the record whose current access token is access.
func (r *RefreshTokenRepo) GetByAccessToken(ctx context.Context, access string) (model.RefreshToken, error) {
	var rec model.RefreshToken
	if err := r.get(ctx, &rec, "SELECT "+refreshColumns+" FROM refresh_tokens WHERE access_token = ? LIMIT 1", access); err != nil {
		return model.RefreshToken{}, fmt.Errorf("get refresh token by access token: %w", err)
	}
	return rec, nil
}

// UpdateAccessToken overwrites the stored access token after rotation.
// Concurrent rotations of one record are not serialized; the last write wins.
func (r *RefreshTokenRepo) UpdateAccessToken(ctx context.Context, id, access string) error {
	if _, err := r.exec(ctx, "UPDATE refresh_tokens SET access_token = ? WHERE refresh_token_id = ?", access, id); err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return nil
}

// Revoke marks the record revoked and stamps revoked_at. Revoking an
// already-revoked record keeps the original timestamp.
func (r *RefreshTokenRepo) Revoke(ctx context.Context, id string, now time.Time) error {
	_, err := r.exec(ctx,
		"UPDATE refresh_tokens SET revoked = true, revoked_at = ? WHERE refresh_token_id = ? AND revoked = false",
		now, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// ListByUser returns every session record of a user, newest first.
func (r *RefreshTokenRepo) ListByUser(ctx context.Context, userID string) ([]model.RefreshToken, error) {
	var recs []model.RefreshToken
	err := r.sel(ctx, &recs,
		"SELECT "+refreshColumns+" FROM refresh_tokens WHERE user_id = ? ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return recs, nil
}

// SetSessionIDByAccessToken links a browser session id to the record that
// currently holds access.
func (r *RefreshTokenRepo) SetSessionIDByAccessToken(ctx context.Context, access, sessionID string) error {
	_, err := r.exec(ctx, "UPDATE refresh_tokens SET session_id = ? WHERE access_token = ?", sessionID, access)
	if err != nil {
		return fmt.Errorf("link session id: %w", err)
	}
	return nil
}

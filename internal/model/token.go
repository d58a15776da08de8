package model

import (
	"database/sql"
	"time"
)

// RefreshToken models a row in the `refresh_tokens` table. One row is one
// device session: the signed refresh token, the access token currently
// minted from it, and revocation state. Rows are never deleted; logout
// flips Revoked and stamps RevokedAt.
type RefreshToken struct {
	ID          string         `db:"refresh_token_id"`
	UserID      string         `db:"user_id"`
	Token       string         `db:"token"`
	AccessToken string         `db:"access_token"`
	UserAgent   string         `db:"user_agent"`
	Revoked     bool           `db:"revoked"`
	CreatedAt   time.Time      `db:"created_at"`
	RevokedAt   sql.NullTime   `db:"revoked_at"`
	SessionID   sql.NullString `db:"session_id"`
}

// TokenType distinguishes the flows backed by single-use tokens.
type TokenType string

const (
	TokenEmailVerification TokenType = "email_verification"
	TokenPasswordReset     TokenType = "password_reset"
	TokenMagicLink         TokenType = "magic_link"
)

// AuthToken mirrors a row in `auth_tokens`. IsConsumed moves from false to
// true exactly once; expired rows stay in place but are never honoured.
type AuthToken struct {
	ID             string         `db:"token_id"`
	UserID         string         `db:"user_id"`
	Token          string         `db:"token"`
	Type           TokenType      `db:"token_type"`
	CreatedAt      time.Time      `db:"created_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
	IsConsumed     bool           `db:"is_consumed"`
	AdditionalData sql.NullString `db:"additional_data"`
}

// Expired reports whether the token is past its expiry at now.
func (t AuthToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

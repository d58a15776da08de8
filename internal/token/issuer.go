// Package token issues and verifies the signed credentials of the service:
// refresh tokens, the access tokens minted from them, and email
// verification tokens. Each kind is signed with its own secret.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/repository"
)

var (
	// ErrExpired means the signature is valid but the token is past exp.
	ErrExpired = errors.New("token expired")
	// ErrInvalid covers malformed tokens, bad signatures and wrong algorithms.
	ErrInvalid = errors.New("token invalid")
	// ErrRevoked is returned when an expired refresh token's record was
	// already revoked.
	ErrRevoked = errors.New("refresh token revoked")
	// ErrRecordNotFound is returned when an expired refresh token has no
	// stored record.
	ErrRecordNotFound = errors.New("refresh token record not found")
)

// Claims is the payload of refresh and access tokens: the password-free
// user plus the registered claims.
type Claims struct {
	User model.PublicUser `json:"user"`
	jwt.RegisteredClaims
}

// EmailClaims is the payload of an email verification token.
type EmailClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RefreshRecords is the slice of the refresh-token store the issuer needs
// to burn expired refresh tokens.
type RefreshRecords interface {
	GetByToken(ctx context.Context, token string) (model.RefreshToken, error)
	Revoke(ctx context.Context, id string, now time.Time) error
}

// Secrets holds the three signing keys. They must differ.
type Secrets struct {
	Access  string
	Refresh string
	Email   string
}

// Issuer signs and verifies tokens.
type Issuer struct {
	access    []byte
	refresh   []byte
	email     []byte
	accessTTL time.Duration
	records   RefreshRecords
	now       func() time.Time
}

// NewIssuer builds an Issuer. now may be nil for the wall clock.
func NewIssuer(s Secrets, accessTTL time.Duration, records RefreshRecords, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		access:    []byte(s.Access),
		refresh:   []byte(s.Refresh),
		email:     []byte(s.Email),
		accessTTL: accessTTL,
		records:   records,
		now:       now,
	}
}

func (i *Issuer) sign(claims jwt.Claims, key []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (i *Issuer) parse(raw string, claims jwt.Claims, key []byte) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		// jwt checks the signature before the claims, so expiry implies a
		// valid signature.
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

func (i *Issuer) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueRefreshToken signs a refresh token for user that expires after ttl.
func (i *Issuer) IssueRefreshToken(user model.PublicUser, ttl time.Duration) (string, error) {
	return i.sign(Claims{User: user, RegisteredClaims: i.registered(ttl)}, i.refresh)
}

// IssueAccessTokenFromRefresh mints an access token carrying the refresh
// token's user. An expired refresh token is looked up: a revoked record
// fails with ErrRevoked, a missing one with ErrRecordNotFound, otherwise
// the record is revoked and an access token is still minted. Store
// failures are returned wrapped and match none of the sentinels.
func (i *Issuer) IssueAccessTokenFromRefresh(ctx context.Context, refresh string) (string, error) {
	var claims Claims
	err := i.parse(refresh, &claims, i.refresh)
	if errors.Is(err, ErrExpired) {
		if err := i.burn(ctx, refresh); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	return i.sign(Claims{User: claims.User, RegisteredClaims: i.registered(i.accessTTL)}, i.access)
}

// burn revokes the record of an expired refresh token.
func (i *Issuer) burn(ctx context.Context, refresh string) error {
	rec, err := i.records.GetByToken(ctx, refresh)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup refresh record: %w", err)
	}
	if rec.Revoked {
		return ErrRevoked
	}
	if err := i.records.Revoke(ctx, rec.ID, i.now()); err != nil {
		return fmt.Errorf("revoke expired refresh record: %w", err)
	}
	return nil
}

// VerifyAccessToken checks an access token. It returns ErrExpired or an
// error matching ErrInvalid on failure.
func (i *Issuer) VerifyAccessToken(raw string) (*Claims, error) {
	var claims Claims
	if err := i.parse(raw, &claims, i.access); err != nil {
		return nil, err
	}
	return &claims, nil
}

// IssueEmailToken signs an email verification token for userID.
func (i *Issuer) IssueEmailToken(userID string, ttl time.Duration) (string, error) {
	return i.sign(EmailClaims{UserID: userID, RegisteredClaims: i.registered(ttl)}, i.email)
}

// VerifyEmailToken returns the user id carried by an email verification
// token.
func (i *Issuer) VerifyEmailToken(raw string) (string, error) {
	var claims EmailClaims
	if err := i.parse(raw, &claims, i.email); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", ErrInvalid
	}
	return claims.UserID, nil
}

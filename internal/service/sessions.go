package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/model"
)

// SessionView is a refresh-token record as shown to its owner. Raw token
// strings are never included.
type SessionView struct {
	ID        string     `json:"refresh_token_id"`
	UserID    string     `json:"user_id"`
	UserAgent string     `json:"user_agent"`
	SessionID string     `json:"session_id,omitempty"`
	Revoked   bool       `json:"revoked"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at"`
	Current   bool       `json:"current"`
}

// View projects rec; current marks the caller's own record.
func View(rec model.RefreshToken, current bool) SessionView {
	v := SessionView{
		ID:        rec.ID,
		UserID:    rec.UserID,
		UserAgent: rec.UserAgent,
		SessionID: rec.SessionID.String,
		Revoked:   rec.Revoked,
		CreatedAt: rec.CreatedAt,
		Current:   current,
	}
	if rec.RevokedAt.Valid {
		t := rec.RevokedAt.Time
		v.RevokedAt = &t
	}
	return v
}

// Logout revokes the caller's record. The returned record reflects the
// revocation.
func (s *AuthService) Logout(ctx context.Context, rec model.RefreshToken) (SessionView, error) {
	now := s.clock()
	if err := s.refresh.Revoke(ctx, rec.ID, now); err != nil {
		return SessionView{}, s.internal("revoke refresh token", err)
	}
	if !rec.Revoked {
		rec.Revoked = true
		rec.RevokedAt.Time, rec.RevokedAt.Valid = now, true
	}
	s.log.Info("logged out", zap.String("user_id", rec.UserID), zap.String("refresh_token_id", rec.ID))
	return View(rec, true), nil
}

// ListSessions returns the user's records newest first.
func (s *AuthService) ListSessions(ctx context.Context, userID, currentID string) ([]SessionView, error) {
	recs, err := s.refresh.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.internal("list sessions", err)
	}
	out := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, View(rec, rec.ID == currentID))
	}
	return out, nil
}

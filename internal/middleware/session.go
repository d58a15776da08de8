package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SessionStore records live browser session ids.
type SessionStore interface {
	Create(ctx context.Context, id string, now time.Time) error
	Touch(ctx context.Context, id string) (bool, error)
}

// SessionLinker attaches a session id to the record of an access token
// issued before the browser had one.
type SessionLinker interface {
	SetSessionIDByAccessToken(ctx context.Context, access, sessionID string) error
}

// Sessions establishes a session_id cookie on first contact. Known ids get
// their expiry refreshed; unknown or expired ids are replaced.
type Sessions struct {
	Store  SessionStore
	Linker SessionLinker
	Log    *zap.Logger
	TTL    time.Duration
	Secure bool
}

func (s *Sessions) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if id := cookieValue(c, SessionCookie); id != "" {
				ok, err := s.Store.Touch(ctx, id)
				if err != nil {
					s.Log.Warn("session touch failed", zap.Error(err))
					return next(c)
				}
				if ok {
					WithSessionID(c, id)
					return next(c)
				}
			}

			id := uuid.NewString()
			if err := s.Store.Create(ctx, id, time.Now()); err != nil {
				s.Log.Warn("session create failed", zap.Error(err))
				return next(c)
			}
			c.SetCookie(newCookie(SessionCookie, id, s.Secure, s.TTL))
			WithSessionID(c, id)

			if access := cookieValue(c, AccessCookie); access != "" && s.Linker != nil {
				if err := s.Linker.SetSessionIDByAccessToken(ctx, access, id); err != nil {
					s.Log.Warn("link session to refresh token", zap.Error(err))
				}
			}
			return next(c)
		}
	}
}

package middleware

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/metrics"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/repository"
	"github.com/iliyamo/devauth/internal/service"
	"github.com/iliyamo/devauth/internal/token"
)

// Identity is what the guard attaches to an authenticated request.
type Identity struct {
	Claims      *token.Claims
	Record      model.RefreshToken
	AccessToken string
	// Rotated is set when the presented access token had expired and a new
	// one was minted from the record's refresh token.
	Rotated bool
}

// GuardRecords is the slice of the refresh-token store the guard uses.
type GuardRecords interface {
	GetByAccessToken(ctx context.Context, access string) (model.RefreshToken, error)
	UpdateAccessToken(ctx context.Context, id, access string) error
}

// GuardTokens verifies and rotates access tokens.
type GuardTokens interface {
	VerifyAccessToken(raw string) (*token.Claims, error)
	IssueAccessTokenFromRefresh(ctx context.Context, refresh string) (string, error)
}

// Guard authenticates requests by their access token cookie. An expired
// access token is rotated once from its record and the request proceeds
// with the new identity.
type Guard struct {
	Records GuardRecords
	Tokens  GuardTokens
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Secure marks cookies Secure (and SameSite=None).
	Secure bool
	// ShowCause includes internal error causes in responses.
	ShowCause bool
}

func denied(code service.Code, msg string) *service.Error {
	return &service.Error{Code: code, Message: msg}
}

// Check resolves access to an identity.
func (g *Guard) Check(ctx context.Context, access string) (*Identity, error) {
	if access == "" {
		return nil, denied(service.CodeNoToken, "No token provided")
	}
	rec, err := g.Records.GetByAccessToken(ctx, access)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, denied(service.CodeNotFound, "Refresh token not found for specified access_token")
	case err != nil:
		return nil, &service.Error{Code: service.CodeInternal, Message: service.MsgInternal, Cause: err}
	}
	if rec.Revoked {
		return nil, denied(service.CodeRevoked, "Refresh token has been revoked")
	}

	claims, err := g.Tokens.VerifyAccessToken(access)
	switch {
	case err == nil:
		return &Identity{Claims: claims, Record: rec, AccessToken: access}, nil
	case errors.Is(err, token.ErrExpired):
		return g.rotate(ctx, rec)
	}
	return nil, denied(service.CodeUnauthorized, "Unauthorized")
}

func (g *Guard) rotate(ctx context.Context, rec model.RefreshToken) (*Identity, error) {
	fresh, err := g.Tokens.IssueAccessTokenFromRefresh(ctx, rec.Token)
	if err != nil {
		e := rotationError(err)
		g.Metrics.Rotation(rotationLabel(e.Code))
		if errors.Is(e, service.ErrInternal) {
			g.log().Error("access token rotation failed", zap.String("refresh_token_id", rec.ID), zap.Error(err))
		}
		return nil, e
	}
	if err := g.Records.UpdateAccessToken(ctx, rec.ID, fresh); err != nil {
		g.Metrics.Rotation("error")
		g.log().Error("store rotated access token", zap.String("refresh_token_id", rec.ID), zap.Error(err))
		return nil, &service.Error{Code: service.CodeInternal, Message: service.MsgInternal, Cause: err}
	}
	claims, err := g.Tokens.VerifyAccessToken(fresh)
	if err != nil {
		g.Metrics.Rotation("invalid")
		return nil, denied(service.CodeUnauthorized, "Unauthorized")
	}
	g.Metrics.Rotation("ok")
	rec.AccessToken = fresh
	return &Identity{Claims: claims, Record: rec, AccessToken: fresh, Rotated: true}, nil
}

func rotationError(err error) *service.Error {
	switch {
	case errors.Is(err, token.ErrRevoked):
		return denied(service.CodeRevoked, "Refresh token has been revoked")
	case errors.Is(err, token.ErrRecordNotFound):
		return denied(service.CodeNotFound, "Refresh token not found for specified access_token")
	case errors.Is(err, token.ErrInvalid), errors.Is(err, token.ErrExpired):
		return denied(service.CodeUnauthorized, "Unauthorized")
	}
	return &service.Error{Code: service.CodeInternal, Message: service.MsgInternal, Cause: err}
}

func rotationLabel(c service.Code) string {
	switch c {
	case service.CodeRevoked, service.CodeNotFound:
		return "revoked"
	case service.CodeUnauthorized:
		return "invalid"
	}
	return "error"
}

func (g *Guard) log() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

// Middleware returns the echo middleware form of the guard.
func (g *Guard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, err := g.Check(ctx, cookieValue(c, AccessCookie))
			if err != nil {
				e := service.AsError(err)
				body := echo.Map{"message": e.Message, "error": e.Message}
				if e.Cause != nil && g.ShowCause {
					body["error"] = e.Cause.Error()
				}
				return c.JSON(e.Code.HTTPStatus(), body)
			}
			if id.Rotated {
				SetAccessCookie(c, id.AccessToken, g.Secure)
			}
			WithIdentity(c, id)
			return next(c)
		}
	}
}

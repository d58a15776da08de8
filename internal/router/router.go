// Package router wires handlers and middleware onto an echo instance.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/handler"
	"github.com/iliyamo/devauth/internal/middleware"
)

// Deps are the pieces the routes are built from. Limiter and Metrics may
// be nil.
type Deps struct {
	Auth     *handler.AuthHandler
	Guard    *middleware.Guard
	Sessions *middleware.Sessions
	Limiter  *middleware.Limiter
	Metrics  http.Handler
	Log      *zap.Logger
}

// New builds an echo instance with the global middleware chain and every
// route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: func() string { return ksuid.New().String() },
	}))
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(d.Log))
	e.Use(middleware.SecurityHeaders())

	RegisterRoutes(e, d.Metrics)
	RegisterAuth(e, d)
	return e
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, metrics http.Handler) {
	e.GET("/healthz", handler.Health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}

// RegisterAuth mounts the auth API under /api/auth. Every route passes the
// session middleware; credential-accepting routes are rate limited and
// account routes sit behind the guard.
func RegisterAuth(e *echo.Echo, d Deps) {
	a := d.Auth
	g := e.Group("/api/auth", d.Sessions.Middleware())

	limited := middleware.RateLimit(d.Limiter, d.Log)
	guarded := d.Guard.Middleware()

	g.POST("/register", a.Register, limited)
	g.POST("/login", a.Login, limited)
	g.POST("/logout", a.Logout, guarded)
	g.GET("/authenticate", a.Authenticate, guarded)

	g.GET("/mfa", a.GetMFA, guarded)
	g.PUT("/mfa", a.UpdateMFA, guarded)

	g.GET("/email/verify", a.VerifyEmail)
	g.GET("/email/send", a.SendVerificationEmail, limited)

	g.POST("/magic-link", a.RequestMagicLink, limited)
	g.GET("/magic-login", a.MagicLogin)

	g.POST("/password/reset/link", a.RequestPasswordReset, limited)
	g.GET("/password/reset/verify", a.VerifyPasswordReset)
	g.POST("/password/reset/update", a.UpdatePassword)

	g.GET("/sessions", a.Sessions, guarded)
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/middleware"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/service"
)

// Auth is the service surface the handlers drive.
type Auth interface {
	Register(ctx context.Context, in service.RegisterInput) (model.PublicUser, error)
	Login(ctx context.Context, in service.LoginInput, c service.Client) (*service.Session, error)
	Logout(ctx context.Context, rec model.RefreshToken) (service.SessionView, error)
	VerifyEmail(ctx context.Context, raw string) error
	SendVerificationLink(ctx context.Context, loginID string) error
	RequestMagicLink(ctx context.Context, loginID string) error
	MagicLogin(ctx context.Context, raw string, c service.Client) (*service.Session, error)
	RequestPasswordReset(ctx context.Context, loginID string) error
	VerifyPasswordReset(ctx context.Context, raw string) error
	UpdatePassword(ctx context.Context, raw, password string, c service.Client) (*service.Session, error)
	GetMFA(ctx context.Context, userID string) (*service.MFAOverview, error)
	UpdateMFA(ctx context.Context, userID, sessionID string, in service.MFAUpdateInput) (*service.MFAUpdateResult, error)
	ListSessions(ctx context.Context, userID, currentID string) ([]service.SessionView, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Svc Auth
	Log *zap.Logger
	// Secure marks cookies Secure (and SameSite=None).
	Secure bool
	// ShowCause puts internal error causes in responses; off in production.
	ShowCause bool
}

func NewAuthHandler(svc Auth, log *zap.Logger, secure, showCause bool) *AuthHandler {
	return &AuthHandler{Svc: svc, Log: log, Secure: secure, ShowCause: showCause}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type loginReq struct {
	LoginID  string `json:"loginId"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
	MFAType  string `json:"mfa_type"`
}

type loginIDReq struct {
	LoginID string `json:"loginId"`
}

type mfaReq struct {
	IsEnabled  bool   `json:"is_enabled"`
	MFAType    string `json:"mfa_type"`
	OTP        string `json:"otp"`
	TOTPSecret string `json:"totp_secret"`
}

type passwordUpdateReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func timeout(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), 5*time.Second)
}

func client(c echo.Context) service.Client {
	return service.Client{UserAgent: c.Request().UserAgent(), SessionID: middleware.SessionIDFrom(c)}
}

func badBody(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"message": "Invalid request body", "error": "invalid body"})
}

// fail renders err as the JSON error envelope.
func (h *AuthHandler) fail(c echo.Context, err error) error {
	e := service.AsError(err)
	body := echo.Map{"message": e.Message, "error": e.Message, "code": e.Code}
	if e.Cause != nil && h.ShowCause {
		body["error"] = e.Cause.Error()
	}
	if len(e.MFAMethods) > 0 {
		body["mfaMethods"] = e.MFAMethods
	}
	if e.Step != "" {
		body["step"] = e.Step
	}
	return c.JSON(e.Code.HTTPStatus(), body)
}

// signedIn sets the cookie for a freshly persisted session and renders it.
func (h *AuthHandler) signedIn(c echo.Context, sess *service.Session, body echo.Map) error {
	middleware.SetAccessCookie(c, sess.AccessToken, h.Secure)
	body["user"] = sess.User
	body["result"] = service.View(sess.Record, true)
	return c.JSON(http.StatusOK, body)
}

// Register creates an account; the user must verify the email before
// logging in.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	u, err := h.Svc.Register(ctx, service.RegisterInput{
		Email:    req.Email,
		Username: req.Username,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "User registered successfully", "user": u})
}

// Login runs password and second-factor checks. Flow-control outcomes
// (MFA required, code sent) come back as 400 envelopes.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	sess, err := h.Svc.Login(ctx, service.LoginInput{
		LoginID:  req.LoginID,
		Password: req.Password,
		OTP:      req.OTP,
		MFAType:  req.MFAType,
	}, client(c))
	if err != nil {
		return h.fail(c, err)
	}
	return h.signedIn(c, sess, echo.Map{"message": "Login successful"})
}

// Logout revokes the caller's session and clears the cookie.
func (h *AuthHandler) Logout(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthorized", "error": "Unauthorized"})
	}
	ctx, cancel := timeout(c)
	defer cancel()

	view, err := h.Svc.Logout(ctx, id.Record)
	if err != nil {
		return h.fail(c, err)
	}
	middleware.ClearAccessCookie(c, h.Secure)
	return c.JSON(http.StatusOK, echo.Map{"message": "Logged out successfully", "result": view})
}

// Authenticate echoes the decoded access token of an authenticated caller.
func (h *AuthHandler) Authenticate(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthorized", "error": "Unauthorized"})
	}
	return c.JSON(http.StatusOK, echo.Map{"decoded": id.Claims, "authenticated": true})
}

// VerifyEmail is opened from the emailed link, so it answers in plain text.
func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	ctx, cancel := timeout(c)
	defer cancel()

	if err := h.Svc.VerifyEmail(ctx, c.QueryParam("token")); err != nil {
		e := service.AsError(err)
		return c.String(e.Code.HTTPStatus(), e.Message)
	}
	return c.String(http.StatusOK, service.MsgEmailVerified)
}

// SendVerificationEmail re-sends the verification link to ?loginId=.
func (h *AuthHandler) SendVerificationEmail(c echo.Context) error {
	ctx, cancel := timeout(c)
	defer cancel()

	if err := h.Svc.SendVerificationLink(ctx, c.QueryParam("loginId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Email verification link sent successfully"})
}

func (h *AuthHandler) GetMFA(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthorized", "error": "Unauthorized"})
	}
	ctx, cancel := timeout(c)
	defer cancel()

	ov, err := h.Svc.GetMFA(ctx, id.Claims.User.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ov)
}

// UpdateMFA toggles a second factor. Enabling email codes takes two calls:
// the first mails a code and answers with step "otp".
func (h *AuthHandler) UpdateMFA(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthorized", "error": "Unauthorized"})
	}
	var req mfaReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	res, err := h.Svc.UpdateMFA(ctx, id.Claims.User.ID, middleware.SessionIDFrom(c), service.MFAUpdateInput{
		Type:      req.MFAType,
		IsEnabled: req.IsEnabled,
		OTP:       req.OTP,
		Secret:    req.TOTPSecret,
	})
	if err != nil {
		return h.fail(c, err)
	}
	body := echo.Map{"message": res.Message}
	if res.Step != "" {
		body["step"] = res.Step
	}
	return c.JSON(http.StatusOK, body)
}

func (h *AuthHandler) RequestMagicLink(c echo.Context) error {
	var req loginIDReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	if err := h.Svc.RequestMagicLink(ctx, req.LoginID); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Magic link sent successfully"})
}

func (h *AuthHandler) MagicLogin(c echo.Context) error {
	ctx, cancel := timeout(c)
	defer cancel()

	sess, err := h.Svc.MagicLogin(ctx, c.QueryParam("token"), client(c))
	if err != nil {
		return h.fail(c, err)
	}
	return h.signedIn(c, sess, echo.Map{"message": "Magic link verified successfully", "success": true})
}

func (h *AuthHandler) RequestPasswordReset(c echo.Context) error {
	var req loginIDReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	if err := h.Svc.RequestPasswordReset(ctx, req.LoginID); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Password reset link sent successfully"})
}

// VerifyPasswordReset checks a reset link without consuming it.
func (h *AuthHandler) VerifyPasswordReset(c echo.Context) error {
	ctx, cancel := timeout(c)
	defer cancel()

	if err := h.Svc.VerifyPasswordReset(ctx, c.QueryParam("token")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Password reset link verified", "success": true})
}

func (h *AuthHandler) UpdatePassword(c echo.Context) error {
	var req passwordUpdateReq
	if err := c.Bind(&req); err != nil {
		return badBody(c)
	}
	ctx, cancel := timeout(c)
	defer cancel()

	sess, err := h.Svc.UpdatePassword(ctx, req.Token, req.NewPassword, client(c))
	if err != nil {
		return h.fail(c, err)
	}
	return h.signedIn(c, sess, echo.Map{"message": "Password updated successfully", "success": true})
}

// Sessions lists the caller's refresh-token records, newest first.
func (h *AuthHandler) Sessions(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"message": "Unauthorized", "error": "Unauthorized"})
	}
	ctx, cancel := timeout(c)
	defer cancel()

	views, err := h.Svc.ListSessions(ctx, id.Claims.User.ID, id.Record.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"result": views})
}

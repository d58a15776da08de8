package service

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/mailer"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/repository"
	"github.com/iliyamo/devauth/internal/token"
	"github.com/iliyamo/devauth/internal/utils"
)

func link(base, path, tok string) string {
	return strings.TrimRight(base, "/") + path + "?token=" + url.QueryEscape(tok)
}

// sendVerification persists a signed email-verification token for u and
// mails the link. Only the persistence step is synchronous.
func (s *AuthService) sendVerification(ctx context.Context, u model.User) error {
	raw, err := s.tokens.IssueEmailToken(u.ID, s.opts.EmailTokenTTL)
	if err != nil {
		return err
	}
	now := s.clock()
	t := model.AuthToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Token:     raw,
		Type:      model.TokenEmailVerification,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.EmailTokenTTL),
	}
	if err := s.authTokens.Create(ctx, t); err != nil {
		return err
	}
	s.dispatch("verification", mailer.VerificationEmail(u.Email, link(s.opts.PublicBaseURL, "/api/auth/email/verify", raw)))
	return nil
}

// resendVerification re-sends the link in the background, subject to the
// optional cooldown.
func (s *AuthService) resendVerification(u model.User) {
	s.spawn(func(ctx context.Context) {
		if s.cooldowns != nil {
			ok, err := s.cooldowns.Acquire(ctx, "verify:"+u.ID, s.opts.ResendCooldown)
			if err != nil {
				s.log.Warn("resend cooldown unavailable", zap.String("user_id", u.ID), zap.Error(err))
			}
			if err == nil && !ok {
				return
			}
		}
		if err := s.sendVerification(ctx, u); err != nil {
			s.log.Error("resend verification failed", zap.String("user_id", u.ID), zap.Error(err))
		}
	})
}

// VerifyEmail confirms a clicked verification link. Both the signature and
// the stored row must check out.
func (s *AuthService) VerifyEmail(ctx context.Context, raw string) error {
	if raw == "" {
		return fail(CodeInvalidLink, "Invalid link")
	}
	userID, err := s.tokens.VerifyEmailToken(raw)
	switch {
	case errors.Is(err, token.ErrExpired):
		return fail(CodeLinkExpired, "Link expired")
	case err != nil:
		return fail(CodeInvalidLink, "Invalid link")
	}

	row, err := s.authTokens.FindActive(ctx, raw, model.TokenEmailVerification, s.clock())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fail(CodeInvalidLink, "Invalid link")
	case err != nil:
		s.log.Error("find verification token", zap.Error(err))
		return internal(MsgVerifyFailed, err)
	}
	if row.UserID != userID {
		return fail(CodeInvalidLink, "Invalid link")
	}

	if err := s.users.SetEmailVerified(ctx, userID, s.clock()); err != nil {
		s.log.Error("set email verified", zap.String("user_id", userID), zap.Error(err))
		return internal(MsgVerifyFailed, err)
	}
	if err := s.authTokens.Consume(ctx, row.ID); err != nil {
		s.log.Error("consume verification token", zap.String("token_id", row.ID), zap.Error(err))
		return internal(MsgConsumeFailed, err)
	}
	s.log.Info("email verified", zap.String("user_id", userID))
	return nil
}

// SendVerificationLink re-sends the verification link on request.
func (s *AuthService) SendVerificationLink(ctx context.Context, loginID string) error {
	u, err := s.lookupLogin(ctx, loginID)
	if err != nil {
		return err
	}
	if u.IsEmailVerified {
		return fail(CodeEmailAlreadyVerified, "Email already verified")
	}
	if err := s.sendVerification(ctx, u); err != nil {
		return s.internal("issue verification link", err)
	}
	return nil
}

func (s *AuthService) lookupLogin(ctx context.Context, loginID string) (model.User, error) {
	loginID = strings.TrimSpace(loginID)
	if loginID == "" {
		return model.User{}, fail(CodeValidation, "Please provide loginId")
	}
	u, err := s.users.FindByLogin(ctx, loginID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.User{}, fail(CodeInvalidCredentials, MsgInvalidCredentials)
	case err != nil:
		return model.User{}, s.internal("find user", err)
	}
	return u, nil
}

// createLinkToken stores a random opaque single-use token of typ for u.
func (s *AuthService) createLinkToken(ctx context.Context, u model.User, typ model.TokenType) (string, error) {
	raw, err := utils.RandomHex(32)
	if err != nil {
		return "", err
	}
	now := s.clock()
	t := model.AuthToken{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Token:     raw,
		Type:      typ,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.LinkTokenTTL),
	}
	if err := s.authTokens.Create(ctx, t); err != nil {
		return "", err
	}
	return raw, nil
}

// linkMessages are the per-type strings of the two link flows.
type linkMessages struct {
	invalid string
	expired string
}

var (
	magicMessages = linkMessages{invalid: "Invalid magic link", expired: "Magic link expired"}
	resetMessages = linkMessages{invalid: "Invalid password reset link", expired: "Password reset link expired"}
)

// findLinkToken loads an unconsumed token and then checks expiry against
// the service clock.
func (s *AuthService) findLinkToken(ctx context.Context, raw string, typ model.TokenType, m linkMessages) (model.AuthToken, error) {
	if raw == "" {
		return model.AuthToken{}, fail(CodeValidation, "Please provide a token")
	}
	t, err := s.authTokens.FindUnconsumed(ctx, raw, typ)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.AuthToken{}, fail(CodeInvalidLink, m.invalid)
	case err != nil:
		return model.AuthToken{}, s.internal("find link token", err)
	}
	if t.Expired(s.clock()) {
		return model.AuthToken{}, fail(CodeLinkExpired, m.expired)
	}
	return t, nil
}

func (s *AuthService) consume(ctx context.Context, t model.AuthToken, m linkMessages) error {
	err := s.authTokens.Consume(ctx, t.ID)
	switch {
	case errors.Is(err, repository.ErrAlreadyConsumed):
		return fail(CodeInvalidLink, m.invalid)
	case err != nil:
		return s.internal("consume link token", err)
	}
	return nil
}

func (s *AuthService) tokenOwner(ctx context.Context, t model.AuthToken) (model.User, error) {
	u, err := s.users.FindByID(ctx, t.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.User{}, fail(CodeUserNotFound, "User not found")
	case err != nil:
		return model.User{}, s.internal("find user", err)
	}
	return u, nil
}

// RequestMagicLink mails a passwordless sign-in link.
func (s *AuthService) RequestMagicLink(ctx context.Context, loginID string) error {
	u, err := s.lookupLogin(ctx, loginID)
	if err != nil {
		return err
	}
	raw, err := s.createLinkToken(ctx, u, model.TokenMagicLink)
	if err != nil {
		return s.internal("create magic link", err)
	}
	s.dispatch("magic_link", mailer.MagicLinkEmail(u.Email, link(s.opts.FrontendURL, "/magic-link", raw)))
	return nil
}

// MagicLogin consumes a magic link and signs its owner in.
func (s *AuthService) MagicLogin(ctx context.Context, raw string, c Client) (*Session, error) {
	sess, err := s.magicLogin(ctx, raw, c)
	s.metrics.Login("magic_link", outcome(err))
	return sess, err
}

func (s *AuthService) magicLogin(ctx context.Context, raw string, c Client) (*Session, error) {
	t, err := s.findLinkToken(ctx, raw, model.TokenMagicLink, magicMessages)
	if err != nil {
		return nil, err
	}
	u, err := s.tokenOwner(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := s.consume(ctx, t, magicMessages); err != nil {
		return nil, err
	}
	return s.issueSession(ctx, u, c)
}

// RequestPasswordReset mails a password reset link.
func (s *AuthService) RequestPasswordReset(ctx context.Context, loginID string) error {
	u, err := s.lookupLogin(ctx, loginID)
	if err != nil {
		return err
	}
	raw, err := s.createLinkToken(ctx, u, model.TokenPasswordReset)
	if err != nil {
		return s.internal("create reset link", err)
	}
	s.dispatch("password_reset", mailer.PasswordResetEmail(u.Email, link(s.opts.FrontendURL, "/reset-password", raw)))
	return nil
}

// VerifyPasswordReset reports whether a reset link is still usable without
// consuming it.
func (s *AuthService) VerifyPasswordReset(ctx context.Context, raw string) error {
	_, err := s.findLinkToken(ctx, raw, model.TokenPasswordReset, resetMessages)
	return err
}

// UpdatePassword sets a new password through a reset link and signs the
// user in.
func (s *AuthService) UpdatePassword(ctx context.Context, raw, password string, c Client) (*Session, error) {
	sess, err := s.updatePassword(ctx, raw, password, c)
	s.metrics.Login("password_reset", outcome(err))
	return sess, err
}

func (s *AuthService) updatePassword(ctx context.Context, raw, password string, c Client) (*Session, error) {
	if raw == "" || password == "" {
		return nil, fail(CodeValidation, "Please provide token and new password")
	}
	t, err := s.findLinkToken(ctx, raw, model.TokenPasswordReset, resetMessages)
	if err != nil {
		return nil, err
	}
	u, err := s.tokenOwner(ctx, t)
	if err != nil {
		return nil, err
	}
	hash, err := utils.HashPassword(password, s.opts.BcryptCost)
	if err != nil {
		return nil, s.internal("hash password", err)
	}
	now := s.clock()
	if err := s.users.UpdatePassword(ctx, u.ID, hash, now); err != nil {
		return nil, s.internal("update password", err)
	}
	u.PasswordHash, u.UpdatedAt = hash, now
	if err := s.consume(ctx, t, resetMessages); err != nil {
		return nil, err
	}
	s.log.Info("password updated", zap.String("user_id", u.ID))
	return s.issueSession(ctx, u, c)
}

package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/cache"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/otp"
	"github.com/iliyamo/devauth/internal/repository"
)

// MFADetail describes one configured (or offered) method.
type MFADetail struct {
	Type      model.MFAType `json:"mfa_type"`
	IsEnabled bool          `json:"is_enabled"`
	Secret    string        `json:"mfa_secret"`
	SecretURL *string       `json:"secretUrl"`
}

// MFAOverview is a user's second-factor state.
type MFAOverview struct {
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Phone    string      `json:"phone"`
	IsMFA    bool        `json:"is_mfa"`
	Methods  []MFADetail `json:"mfaMethods"`
}

// GetMFA lists the user's methods. When no time-based method exists yet, a
// fresh unpersisted secret is offered so the client can show a QR code.
func (s *AuthService) GetMFA(ctx context.Context, userID string) (*MFAOverview, error) {
	u, err := s.users.FindByID(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fail(CodeUserNotFound, "User not found")
	case err != nil:
		return nil, s.internal("find user", err)
	}
	methods, err := s.mfa.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.internal("list mfa methods", err)
	}

	out := &MFAOverview{
		UserID:   u.ID,
		Username: u.Username.String,
		Email:    u.Email,
		Phone:    u.Phone.String,
		Methods:  make([]MFADetail, 0, len(methods)+1),
	}
	hasTOTP := false
	for _, m := range methods {
		d := MFADetail{Type: m.Type, IsEnabled: m.IsEnabled, Secret: m.Secret.String}
		if m.Type == model.MFATimeBased {
			hasTOTP = true
			if !m.Secret.Valid || m.Secret.String == "" {
				secret, err := otp.GenerateSecret()
				if err != nil {
					return nil, s.internal("generate totp secret", err)
				}
				d.Secret = secret
			}
			d.SecretURL = s.provisioningURL(u, d.Secret)
		}
		out.IsMFA = out.IsMFA || m.IsEnabled
		out.Methods = append(out.Methods, d)
	}
	if !hasTOTP {
		secret, err := otp.GenerateSecret()
		if err != nil {
			return nil, s.internal("generate totp secret", err)
		}
		out.Methods = append(out.Methods, MFADetail{
			Type:      model.MFATimeBased,
			Secret:    secret,
			SecretURL: s.provisioningURL(u, secret),
		})
	}
	return out, nil
}

func (s *AuthService) provisioningURL(u model.User, secret string) *string {
	uri, err := otp.ProvisioningURL(s.opts.TOTPIssuer, u.Email, secret)
	if err != nil {
		s.log.Warn("build provisioning url", zap.String("user_id", u.ID), zap.Error(err))
		return nil
	}
	return &uri
}

// MFAUpdateInput toggles one method. OTP and Secret are the confirmation
// material for the email and time-based types.
type MFAUpdateInput struct {
	Type      string
	IsEnabled bool
	OTP       string
	Secret    string
}

// MFAUpdateResult is returned when the request succeeded or advanced. Step
// is "otp" when a code was mailed and must be submitted next.
type MFAUpdateResult struct {
	Message string
	Step    string
}

// UpdateMFA enables or disables a second factor for an authenticated user.
func (s *AuthService) UpdateMFA(ctx context.Context, userID, sessionID string, in MFAUpdateInput) (*MFAUpdateResult, error) {
	t, ok := model.ParseMFAType(strings.TrimSpace(in.Type))
	if !ok {
		return nil, fail(CodeInvalidMFAType, "Please provide valid MFA type")
	}
	u, err := s.users.FindByID(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fail(CodeUserNotFound, "User not found")
	case err != nil:
		return nil, s.internal("find user", err)
	}

	current, err := s.mfa.Get(ctx, userID, t)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, s.internal("get mfa method", err)
	case current.IsEnabled == in.IsEnabled:
		if in.IsEnabled {
			return nil, fail(CodeMFAUnchanged, "MFA already enabled")
		}
		return nil, fail(CodeMFAUnchanged, "MFA already disabled")
	}

	next := model.MFAMethod{ID: current.ID, UserID: userID, Type: t, IsEnabled: in.IsEnabled}
	code := strings.TrimSpace(in.OTP)
	switch t {
	case model.MFAPhoneCode:
		return nil, fail(CodeNotImplemented, "Feature not implemented yet")
	case model.MFAEmailCode:
		if sessionID == "" {
			return nil, fail(CodeSessionMissing, "Session ID not found")
		}
		if code == "" {
			if err := s.sendChallenge(ctx, sessionID, cache.PurposeMFASetup, u); err != nil {
				return nil, err
			}
			return &MFAUpdateResult{Message: "MFA otp sent successfully", Step: "otp"}, nil
		}
		if err := s.checkChallenge(ctx, sessionID, cache.PurposeMFASetup, u.ID, code); err != nil {
			return nil, err
		}
	case model.MFATimeBased:
		secret := strings.TrimSpace(in.Secret)
		// a disable is checked against the enrolled secret, never the caller's
		if !in.IsEnabled && current.Secret.Valid && current.Secret.String != "" {
			secret = current.Secret.String
		}
		if code == "" || secret == "" {
			return nil, fail(CodeValidation, "Please provide the OTP and secret")
		}
		if !s.codes.VerifyCode(secret, code, otp.Default) {
			return nil, fail(CodeInvalidOTP, "Invalid OTP")
		}
		if in.IsEnabled {
			next.Secret.String, next.Secret.Valid = secret, true
		}
	}

	if err := s.mfa.Upsert(ctx, next); err != nil {
		return nil, s.internal("upsert mfa method", err)
	}
	s.log.Info("mfa updated", zap.String("user_id", userID), zap.String("mfa_type", t.String()), zap.Bool("enabled", in.IsEnabled))
	return &MFAUpdateResult{Message: "MFA updated successfully"}, nil
}

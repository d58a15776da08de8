// Package service holds the authentication state machine. Every flow
// (registration, login with optional second factor, email verification,
// magic links, password reset, MFA setup, logout) is an AuthService method
// returning either its result or an *Error.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/cache"
	"github.com/iliyamo/devauth/internal/mailer"
	"github.com/iliyamo/devauth/internal/metrics"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/otp"
	"github.com/iliyamo/devauth/internal/repository"
	"github.com/iliyamo/devauth/internal/utils"
)

// Users is the user store needed by the service.
type Users interface {
	FindByLogin(ctx context.Context, loginID string) (model.User, error)
	FindByID(ctx context.Context, id string) (model.User, error)
	FindConflicts(ctx context.Context, email, username, phone string) ([]model.User, error)
	Create(ctx context.Context, u model.User) error
	SetEmailVerified(ctx context.Context, userID string, now time.Time) error
	UpdatePassword(ctx context.Context, userID, hash string, now time.Time) error
}

// RefreshTokens is the session record store.
type RefreshTokens interface {
	Create(ctx context.Context, rec model.RefreshToken) error
	Revoke(ctx context.Context, id string, now time.Time) error
	ListByUser(ctx context.Context, userID string) ([]model.RefreshToken, error)
}

// MFAMethods is the second-factor store.
type MFAMethods interface {
	ListEnabled(ctx context.Context, userID string) ([]model.MFAMethod, error)
	ListByUser(ctx context.Context, userID string) ([]model.MFAMethod, error)
	Get(ctx context.Context, userID string, t model.MFAType) (model.MFAMethod, error)
	Upsert(ctx context.Context, m model.MFAMethod) error
}

// AuthTokens is the single-use token store.
type AuthTokens interface {
	Create(ctx context.Context, t model.AuthToken) error
	FindActive(ctx context.Context, token string, typ model.TokenType, now time.Time) (model.AuthToken, error)
	FindUnconsumed(ctx context.Context, token string, typ model.TokenType) (model.AuthToken, error)
	Consume(ctx context.Context, id string) error
}

// Challenges holds emailed codes in flight.
type Challenges interface {
	Save(ctx context.Context, sessionID string, p cache.Purpose, ch cache.Challenge) error
	Get(ctx context.Context, sessionID string, p cache.Purpose) (cache.Challenge, error)
	Delete(ctx context.Context, sessionID string, p cache.Purpose) error
	Fail(ctx context.Context, sessionID string, p cache.Purpose) (int64, error)
}

// Cooldowns throttles repeated sends.
type Cooldowns interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TokenIssuer signs and verifies the service's tokens.
type TokenIssuer interface {
	IssueRefreshToken(user model.PublicUser, ttl time.Duration) (string, error)
	IssueAccessTokenFromRefresh(ctx context.Context, refresh string) (string, error)
	IssueEmailToken(userID string, ttl time.Duration) (string, error)
	VerifyEmailToken(raw string) (string, error)
}

// Options are the tunables of the flows.
type Options struct {
	RefreshTTL     time.Duration
	EmailTokenTTL  time.Duration
	LinkTokenTTL   time.Duration
	ResendCooldown time.Duration
	BcryptCost     int
	TOTPIssuer     string
	PublicBaseURL  string
	FrontendURL    string
}

// Deps collects the collaborators of an AuthService. Metrics and Now are
// optional.
type Deps struct {
	Users         Users
	RefreshTokens RefreshTokens
	MFA           MFAMethods
	AuthTokens    AuthTokens
	Challenges    Challenges
	Cooldowns     Cooldowns
	Tokens        TokenIssuer
	Mailer        mailer.Mailer
	Codes         *otp.Engine
	Log           *zap.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// AuthService runs the authentication flows.
type AuthService struct {
	users      Users
	refresh    RefreshTokens
	mfa        MFAMethods
	authTokens AuthTokens
	challenges Challenges
	cooldowns  Cooldowns
	tokens     TokenIssuer
	mail       mailer.Mailer
	codes      *otp.Engine
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	opts       Options

	// dummyHash keeps unknown-identifier logins as slow as wrong-password ones.
	dummyHash string
	wg        sync.WaitGroup
}

// NewAuthService wires an AuthService.
func NewAuthService(d Deps, o Options) *AuthService {
	s := &AuthService{
		users:      d.Users,
		refresh:    d.RefreshTokens,
		mfa:        d.MFA,
		authTokens: d.AuthTokens,
		challenges: d.Challenges,
		cooldowns:  d.Cooldowns,
		tokens:     d.Tokens,
		mail:       d.Mailer,
		codes:      d.Codes,
		log:        d.Log,
		metrics:    d.Metrics,
		now:        d.Now,
		opts:       o,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.codes == nil {
		s.codes = otp.New()
	}
	s.dummyHash, _ = utils.HashPassword("devauth-dummy-password", o.BcryptCost)
	return s
}

func (s *AuthService) clock() time.Time { return s.now().UTC() }

// Wait blocks until every background email dispatch has finished.
func (s *AuthService) Wait() { s.wg.Wait() }

// spawn runs fn detached from the request. Its context survives the
// caller's cancellation but not the timeout.
func (s *AuthService) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// dispatch sends msg in the background and records the outcome.
func (s *AuthService) dispatch(kind string, msg mailer.Message) {
	s.spawn(func(ctx context.Context) {
		err := s.mail.Send(ctx, msg)
		s.metrics.Email(kind, err)
		if err != nil {
			s.log.Error("email dispatch failed", zap.String("kind", kind), zap.String("to", msg.To), zap.Error(err))
		}
	})
}

// Client describes the browser behind a request.
type Client struct {
	UserAgent string
	SessionID string
}

// Session is the outcome of a successful sign-in.
type Session struct {
	User        model.PublicUser
	Record      model.RefreshToken
	AccessToken string
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Email    string
	Username string
	Phone    string
	Password string
}

// Register creates an unverified user and mails a verification link. It
// never signs the user in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (model.PublicUser, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Email == "" || in.Username == "" || in.Phone == "" || in.Password == "" {
		return model.PublicUser{}, fail(CodeValidation, MsgMissingFields)
	}

	existing, err := s.users.FindConflicts(ctx, in.Email, in.Username, in.Phone)
	if err != nil {
		return model.PublicUser{}, s.internal("lookup conflicts", err)
	}
	if e := conflictError(existing, in); e != nil {
		return model.PublicUser{}, e
	}

	hash, err := utils.HashPassword(in.Password, s.opts.BcryptCost)
	if err != nil {
		return model.PublicUser{}, s.internal("hash password", err)
	}
	now := s.clock()
	u := model.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	u.Username.String, u.Username.Valid = in.Username, true
	u.Phone.String, u.Phone.Valid = in.Phone, true
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return model.PublicUser{}, fail(CodeConflict, "User already exists")
		}
		return model.PublicUser{}, s.internal("create user", err)
	}

	if err := s.sendVerification(ctx, u); err != nil {
		return model.PublicUser{}, s.internal("issue verification link", err)
	}
	s.log.Info("user registered", zap.String("user_id", u.ID))
	return u.Public(), nil
}

// conflictError reports the first colliding field in email, username,
// phone order.
func conflictError(existing []model.User, in RegisterInput) *Error {
	checks := []struct {
		hit func(model.User) bool
		msg string
	}{
		{func(u model.User) bool { return u.Email == in.Email }, "Email already exists"},
		{func(u model.User) bool { return u.Username.String == in.Username }, "Username already exists"},
		{func(u model.User) bool { return u.Phone.String == in.Phone }, "Phone number already exists"},
	}
	for _, c := range checks {
		for _, u := range existing {
			if c.hit(u) {
				return fail(CodeConflict, c.msg)
			}
		}
	}
	return nil
}

// LoginInput is the login form. OTP and MFAType are only needed once the
// first round trip reported MFA_REQUIRED.
type LoginInput struct {
	LoginID  string
	Password string
	OTP      string
	MFAType  string
}

// Login walks the password, email-verification and second-factor checks
// and issues a session when they all pass.
func (s *AuthService) Login(ctx context.Context, in LoginInput, c Client) (*Session, error) {
	sess, err := s.login(ctx, in, c)
	s.metrics.Login("password", outcome(err))
	return sess, err
}

func (s *AuthService) login(ctx context.Context, in LoginInput, c Client) (*Session, error) {
	loginID := strings.TrimSpace(in.LoginID)
	if loginID == "" || in.Password == "" {
		return nil, fail(CodeValidation, MsgMissingFields)
	}

	u, err := s.users.FindByLogin(ctx, loginID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		utils.VerifyPassword(s.dummyHash, in.Password)
		return nil, fail(CodeInvalidCredentials, MsgInvalidCredentials)
	case err != nil:
		return nil, s.internal("find user", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, in.Password) {
		return nil, fail(CodeInvalidCredentials, MsgInvalidCredentials)
	}

	if !u.IsEmailVerified {
		s.resendVerification(u)
		return nil, fail(CodeEmailNotVerified, "Email not verified")
	}
	if c.SessionID == "" {
		return nil, fail(CodeSessionMissing, "Session ID not found")
	}

	methods, err := s.mfa.ListEnabled(ctx, u.ID)
	if err != nil {
		return nil, s.internal("list mfa methods", err)
	}
	if len(methods) > 0 {
		if err := s.secondFactor(ctx, u, methods, in, c.SessionID); err != nil {
			return nil, err
		}
	}
	return s.issueSession(ctx, u, c)
}

// secondFactor checks the code for the selected method. A nil return means
// the factor is satisfied.
func (s *AuthService) secondFactor(ctx context.Context, u model.User, methods []model.MFAMethod, in LoginInput, sessionID string) error {
	if strings.TrimSpace(in.MFAType) == "" {
		return &Error{Code: CodeMFARequired, Message: "MFA required", MFAMethods: mfaOptions(u, methods)}
	}
	t, ok := model.ParseMFAType(strings.TrimSpace(in.MFAType))
	var selected *model.MFAMethod
	for i := range methods {
		if ok && methods[i].Type == t {
			selected = &methods[i]
		}
	}
	if selected == nil {
		return fail(CodeInvalidMFAType, "Invalid MFA type")
	}

	code := strings.TrimSpace(in.OTP)
	switch selected.Type {
	case model.MFAPhoneCode:
		return fail(CodeNotImplemented, "Feature not implemented yet")
	case model.MFATimeBased:
		if code == "" {
			return fail(CodeOTPRequired, "OTP required")
		}
		if !selected.Secret.Valid || !s.codes.VerifyCode(selected.Secret.String, code, otp.Default) {
			return fail(CodeInvalidOTP, "Invalid OTP")
		}
		return nil
	case model.MFAEmailCode:
		if code == "" {
			if err := s.sendChallenge(ctx, sessionID, cache.PurposeLogin, u); err != nil {
				return err
			}
			return &Error{Code: CodeOTPSent, Message: "OTP sent", Step: "otp"}
		}
		return s.checkChallenge(ctx, sessionID, cache.PurposeLogin, u.ID, code)
	}
	return fail(CodeInvalidMFAType, "Invalid MFA type")
}

func mfaOptions(u model.User, methods []model.MFAMethod) []MFAOption {
	out := make([]MFAOption, 0, len(methods))
	for _, m := range methods {
		opt := MFAOption{Type: m.Type.String()}
		switch m.Type {
		case model.MFAEmailCode:
			opt.Email = maskEmail(u.Email)
		case model.MFAPhoneCode:
			opt.Phone = maskPhone(u.Phone.String)
		}
		out = append(out, opt)
	}
	return out
}

// sendChallenge stores a fresh emailed code for sessionID and mails it.
func (s *AuthService) sendChallenge(ctx context.Context, sessionID string, p cache.Purpose, u model.User) error {
	code, err := otp.NewEmailCode()
	if err != nil {
		return s.internal("generate otp", err)
	}
	ch := cache.Challenge{UserID: u.ID, CodeHash: otp.HashCode(code), CreatedAt: s.clock()}
	if err := s.challenges.Save(ctx, sessionID, p, ch); err != nil {
		return s.internal("store otp", err)
	}
	s.dispatch("otp", mailer.OTPEmail(u.Email, code))
	return nil
}

// MaxOTPAttempts is how many wrong codes a challenge absorbs before it is
// discarded and a new code has to be requested.
const MaxOTPAttempts = 5

// checkChallenge accepts code against the stored challenge and deletes it.
func (s *AuthService) checkChallenge(ctx context.Context, sessionID string, p cache.Purpose, userID, code string) error {
	ch, err := s.challenges.Get(ctx, sessionID, p)
	switch {
	case errors.Is(err, cache.ErrChallengeNotFound):
		return fail(CodeInvalidOTP, "Invalid OTP")
	case err != nil:
		return s.internal("read otp", err)
	}
	if ch.UserID != userID || !otp.CodeMatches(ch.CodeHash, code) {
		n, err := s.challenges.Fail(ctx, sessionID, p)
		if err != nil {
			return s.internal("record otp failure", err)
		}
		if n >= MaxOTPAttempts {
			if err := s.challenges.Delete(ctx, sessionID, p); err != nil {
				return s.internal("delete otp", err)
			}
			s.log.Warn("otp challenge discarded after repeated failures", zap.String("purpose", string(p)), zap.String("user_id", ch.UserID))
		}
		return fail(CodeInvalidOTP, "Invalid OTP")
	}
	if err := s.challenges.Delete(ctx, sessionID, p); err != nil {
		return s.internal("delete otp", err)
	}
	return nil
}

// issueSession is the shared tail of every sign-in: refresh token, access
// token derived from it, the persisted record. Nothing is usable by the
// caller unless the record insert succeeds.
func (s *AuthService) issueSession(ctx context.Context, u model.User, c Client) (*Session, error) {
	pub := u.Public()
	refresh, err := s.tokens.IssueRefreshToken(pub, s.opts.RefreshTTL)
	if err != nil {
		return nil, s.internal("issue refresh token", err)
	}
	access, err := s.tokens.IssueAccessTokenFromRefresh(ctx, refresh)
	if err != nil {
		return nil, s.internal("issue access token", err)
	}
	rec := model.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      u.ID,
		Token:       refresh,
		AccessToken: access,
		UserAgent:   c.UserAgent,
		CreatedAt:   s.clock(),
	}
	if c.SessionID != "" {
		rec.SessionID.String, rec.SessionID.Valid = c.SessionID, true
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return nil, s.internal("store refresh token", err)
	}
	s.log.Info("session issued", zap.String("user_id", u.ID), zap.String("refresh_token_id", rec.ID))
	return &Session{User: pub, Record: rec, AccessToken: access}, nil
}

// internal logs cause once and wraps it as INTERNAL_ERROR.
func (s *AuthService) internal(op string, cause error) *Error {
	s.log.Error("auth operation failed", zap.String("op", op), zap.Error(cause))
	return internal(MsgInternal, cause)
}

// outcome labels err for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return strings.ToLower(string(e.Code))
	}
	return "error"
}

// maskEmail keeps the first two and last two characters of the local part.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	switch {
	case len(local) > 4:
		local = local[:2] + strings.Repeat("*", len(local)-4) + local[len(local)-2:]
	case len(local) > 2:
		local = local[:2] + strings.Repeat("*", len(local)-2)
	}
	return local + domain
}

// maskPhone keeps the first and last three digits.
func maskPhone(phone string) string {
	if len(phone) < 6 {
		return phone
	}
	return phone[:3] + "*****" + phone[len(phone)-3:]
}

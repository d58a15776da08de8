package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/devauth/internal/cache"
	"github.com/iliyamo/devauth/internal/mailer"
	"github.com/iliyamo/devauth/internal/model"
	"github.com/iliyamo/devauth/internal/otp"
	"github.com/iliyamo/devauth/internal/repository/memstore"
	"github.com/iliyamo/devauth/internal/token"
)

type recordingMailer struct {
	mu   sync.Mutex
	msgs []mailer.Message
}

func (m *recordingMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *recordingMailer) withSubject(subject string) []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mailer.Message
	for _, msg := range m.msgs {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	svc    *AuthService
	store  *memstore.Store
	issuer *token.Issuer
	mail   *recordingMailer
	clock  *clock
	codes  *otp.Engine
	mr     *miniredis.Miniredis
}

var testClient = Client{UserAgent: "test-agent", SessionID: "sid-1"}

func newEnv(t *testing.T, mod ...func(*Options)) *env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	c := &clock{t: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	issuer := token.NewIssuer(token.Secrets{Access: "a-secret", Refresh: "r-secret", Email: "e-secret"},
		5*time.Minute, store.RefreshTokens(), c.now)
	codes := &otp.Engine{Now: c.now}
	mail := &recordingMailer{}

	opts := Options{
		RefreshTTL:    15 * time.Minute,
		EmailTokenTTL: 5 * time.Minute,
		LinkTokenTTL:  15 * time.Minute,
		BcryptCost:    4,
		TOTPIssuer:    "DevAuth",
		PublicBaseURL: "http://api.test",
		FrontendURL:   "http://app.test",
	}
	for _, m := range mod {
		m(&opts)
	}
	svc := NewAuthService(Deps{
		Users:         store.Users(),
		RefreshTokens: store.RefreshTokens(),
		MFA:           store.MFA(),
		AuthTokens:    store.AuthTokens(),
		Challenges:    cache.NewChallengeStore(rdb, 5*time.Minute),
		Cooldowns:     cache.NewCooldown(rdb),
		Tokens:        issuer,
		Mailer:        mail,
		Codes:         codes,
		Now:           c.now,
	}, opts)
	t.Cleanup(svc.Wait)
	return &env{svc: svc, store: store, issuer: issuer, mail: mail, clock: c, codes: codes, mr: mr}
}

var alice = RegisterInput{Email: "Alice@X.com", Username: "alice", Phone: "+15550001234", Password: "pw123"}

func (e *env) register(t *testing.T, in RegisterInput) model.PublicUser {
	t.Helper()
	u, err := e.svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func (e *env) verifiedUser(t *testing.T, in RegisterInput) model.PublicUser {
	t.Helper()
	u := e.register(t, in)
	if err := e.store.Users().SetEmailVerified(context.Background(), u.ID, e.clock.now()); err != nil {
		t.Fatal(err)
	}
	return u
}

func wantCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error with code %s, got %v", code, err)
	}
	if e.Code != code {
		t.Fatalf("code = %s (%s), want %s", e.Code, e.Message, code)
	}
	return e
}

var codeRE = regexp.MustCompile(`4px;">(\d{6})<`)

func (e *env) lastOTP(t *testing.T) string {
	t.Helper()
	e.svc.Wait()
	msgs := e.mail.withSubject("Your OTP for Verification on Dev Auth")
	if len(msgs) == 0 {
		t.Fatal("no otp email sent")
	}
	m := codeRE.FindStringSubmatch(msgs[len(msgs)-1].Body)
	if m == nil {
		t.Fatal("otp email carries no code")
	}
	return m[1]
}

func (e *env) lastToken(t *testing.T, userID string, typ model.TokenType) string {
	t.Helper()
	e.svc.Wait()
	toks := e.store.AuthTokens().ByUser(userID, typ)
	if len(toks) == 0 {
		t.Fatalf("no %s token for %s", typ, userID)
	}
	return toks[len(toks)-1].Token
}

func TestRegisterHashesPasswordAndSendsVerification(t *testing.T) {
	e := newEnv(t)
	u := e.register(t, alice)
	if u.Email != "alice@x.com" {
		t.Fatalf("email not normalised: %q", u.Email)
	}
	stored, err := e.store.Users().FindByID(context.Background(), u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PasswordHash == "" || stored.PasswordHash == alice.Password {
		t.Fatalf("password stored as %q", stored.PasswordHash)
	}
	b, _ := json.Marshal(u)
	if strings.Contains(string(b), "password") {
		t.Fatalf("public user leaks password field: %s", b)
	}

	e.svc.Wait()
	msgs := e.mail.withSubject("Action Required: Verify Your Email for Dev Auth")
	if len(msgs) != 1 || msgs[0].To != "alice@x.com" {
		t.Fatalf("verification emails = %+v", msgs)
	}
	tok := e.lastToken(t, u.ID, model.TokenEmailVerification)
	if !strings.Contains(msgs[0].Body, "http://api.test/api/auth/email/verify?token="+tok) {
		t.Fatal("verification email does not carry the link")
	}
}

func TestRegisterValidationAndConflicts(t *testing.T) {
	e := newEnv(t)
	e.register(t, alice)
	e.register(t, RegisterInput{Email: "bob@x.com", Username: "bob", Phone: "+15550009999", Password: "pw"})

	cases := []struct {
		name string
		in   RegisterInput
		code Code
		msg  string
	}{
		{"missing phone", RegisterInput{Email: "c@x.com", Username: "c", Password: "pw"}, CodeValidation, MsgMissingFields},
		{"email", RegisterInput{Email: "ALICE@x.com", Username: "bob", Phone: "+1", Password: "pw"}, CodeConflict, "Email already exists"},
		{"username before phone", RegisterInput{Email: "c@x.com", Username: "alice", Phone: "+15550009999", Password: "pw"}, CodeConflict, "Username already exists"},
		{"phone", RegisterInput{Email: "c@x.com", Username: "carol", Phone: "+15550001234", Password: "pw"}, CodeConflict, "Phone number already exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Register(context.Background(), tc.in)
			if got := wantCode(t, err, tc.code); got.Message != tc.msg {
				t.Fatalf("message = %q, want %q", got.Message, tc.msg)
			}
		})
	}
}

func TestRegisterVerifyThenLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, alice)

	_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
	wantCode(t, err, CodeEmailNotVerified)
	e.svc.Wait()
	if n := len(e.mail.withSubject("Action Required: Verify Your Email for Dev Auth")); n != 2 {
		t.Fatalf("expected a resent link, got %d verification emails", n)
	}

	tok := e.lastToken(t, u.ID, model.TokenEmailVerification)
	if err := e.svc.VerifyEmail(ctx, tok); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	sess, err := e.svc.Login(ctx, LoginInput{LoginID: "alice@x.com", Password: "pw123"}, testClient)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.User.ID != u.ID || !sess.User.IsEmailVerified {
		t.Fatalf("session user = %+v", sess.User)
	}
	recs := e.store.RefreshTokens().All()
	if len(recs) != 1 {
		t.Fatalf("expected one refresh record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.AccessToken != sess.AccessToken || rec.UserAgent != "test-agent" || rec.SessionID.String != "sid-1" {
		t.Fatalf("record = %+v", rec)
	}
	claims, err := e.issuer.VerifyAccessToken(sess.AccessToken)
	if err != nil || claims.User.ID != u.ID {
		t.Fatalf("access token = %+v, %v", claims, err)
	}

	for i := 0; i < 3; i++ {
		wantCode(t, e.svc.VerifyEmail(ctx, tok), CodeInvalidLink)
	}
}

func TestLoginInvalidCredentialsAreIndistinguishable(t *testing.T) {
	e := newEnv(t)
	e.verifiedUser(t, alice)
	ctx := context.Background()

	_, unknown := e.svc.Login(ctx, LoginInput{LoginID: "nobody", Password: "pw123"}, testClient)
	_, wrong := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "nope"}, testClient)
	a, b := wantCode(t, unknown, CodeInvalidCredentials), wantCode(t, wrong, CodeInvalidCredentials)
	if a.Message != b.Message {
		t.Fatalf("messages differ: %q vs %q", a.Message, b.Message)
	}
	_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice"}, testClient)
	wantCode(t, err, CodeValidation)
}

func TestLoginRequiresSession(t *testing.T) {
	e := newEnv(t)
	e.verifiedUser(t, alice)
	_, err := e.svc.Login(context.Background(), LoginInput{LoginID: "alice", Password: "pw123"}, Client{UserAgent: "x"})
	wantCode(t, err, CodeSessionMissing)
	if len(e.store.RefreshTokens().All()) != 0 {
		t.Fatal("record created without a session")
	}
}

func TestTOTPEnrolmentAndLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	secret, err := otp.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	code, _ := e.codes.GenerateCode(secret, otp.Default)
	res, err := e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: code, Secret: secret})
	if err != nil {
		t.Fatalf("UpdateMFA: %v", err)
	}
	if res.Step != "" {
		t.Fatalf("unexpected step %q", res.Step)
	}
	m, err := e.store.MFA().Get(ctx, u.ID, model.MFATimeBased)
	if err != nil || !m.IsEnabled || m.Secret.String != secret {
		t.Fatalf("stored method = %+v, %v", m, err)
	}

	login := LoginInput{LoginID: "alice", Password: "pw123"}
	_, err = e.svc.Login(ctx, login, testClient)
	req := wantCode(t, err, CodeMFARequired)
	if len(req.MFAMethods) != 1 || req.MFAMethods[0].Type != "totp" || req.MFAMethods[0].Email != "" {
		t.Fatalf("mfa options = %+v", req.MFAMethods)
	}

	login.MFAType = "totp"
	_, err = e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeOTPRequired)

	other, _ := otp.GenerateSecret()
	login.OTP, _ = e.codes.GenerateCode(other, otp.Default)
	if login.OTP != code {
		_, err = e.svc.Login(ctx, login, testClient)
		wantCode(t, err, CodeInvalidOTP)
	}

	login.OTP, _ = e.codes.GenerateCode(secret, otp.Default)
	e.clock.add(30 * time.Second)
	if _, err := e.svc.Login(ctx, login, testClient); err != nil {
		t.Fatalf("code from the adjacent step rejected: %v", err)
	}
}

func TestEmailOTPLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)
	if err := e.store.MFA().Upsert(ctx, model.MFAMethod{UserID: u.ID, Type: model.MFAEmailCode, IsEnabled: true}); err != nil {
		t.Fatal(err)
	}

	login := LoginInput{LoginID: "alice", Password: "pw123"}
	_, err := e.svc.Login(ctx, login, testClient)
	req := wantCode(t, err, CodeMFARequired)
	if req.MFAMethods[0].Email != "al*ce@x.com" {
		t.Fatalf("masked email = %q", req.MFAMethods[0].Email)
	}

	login.MFAType = "email_otp"
	_, err = e.svc.Login(ctx, login, testClient)
	if sent := wantCode(t, err, CodeOTPSent); sent.Step != "otp" {
		t.Fatalf("step = %q", sent.Step)
	}
	code := e.lastOTP(t)
	if !e.mr.Exists("otp:login:sid-1") {
		t.Fatal("challenge not stored under the session key")
	}
	if v, _ := e.mr.Get("otp:login:sid-1"); strings.Contains(v, code) {
		t.Fatal("challenge stores the plaintext code")
	}

	login.OTP = "000000"
	if code == login.OTP {
		login.OTP = "111111"
	}
	_, err = e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeInvalidOTP)

	// A challenge for another session does not apply.
	login.OTP = code
	_, err = e.svc.Login(ctx, login, Client{SessionID: "sid-2"})
	wantCode(t, err, CodeInvalidOTP)

	if _, err := e.svc.Login(ctx, login, testClient); err != nil {
		t.Fatalf("Login with emailed code: %v", err)
	}
	_, err = e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeInvalidOTP)
}

func TestLoginMFADispatchErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)
	_ = e.store.MFA().Upsert(ctx, model.MFAMethod{UserID: u.ID, Type: model.MFAPhoneCode, IsEnabled: true})

	_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
	if req := wantCode(t, err, CodeMFARequired); req.MFAMethods[0].Phone != "+15*****234" {
		t.Fatalf("masked phone = %q", req.MFAMethods[0].Phone)
	}

	cases := map[string]Code{
		"phone_otp": CodeNotImplemented,
		"totp":      CodeInvalidMFAType,
		"sms":       CodeInvalidMFAType,
	}
	for typ, code := range cases {
		_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123", MFAType: typ, OTP: "123456"}, testClient)
		wantCode(t, err, code)
	}
}

func TestEmailOTPCacheFailureIsInternal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)
	_ = e.store.MFA().Upsert(ctx, model.MFAMethod{UserID: u.ID, Type: model.MFAEmailCode, IsEnabled: true})
	e.mr.SetError("boom")

	_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123", MFAType: "email_otp"}, testClient)
	wantCode(t, err, CodeInternal)
}

func TestStoreFailureIsInternal(t *testing.T) {
	e := newEnv(t)
	e.verifiedUser(t, alice)
	e.store.Err = errors.New("connection lost")

	_, err := e.svc.Login(context.Background(), LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
	if got := wantCode(t, err, CodeInternal); !errors.Is(got, e.store.Err) {
		t.Fatalf("cause not preserved: %v", got)
	}
}

func TestVerifyEmailRejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.register(t, alice)
	tok := e.lastToken(t, u.ID, model.TokenEmailVerification)

	wantCode(t, e.svc.VerifyEmail(ctx, ""), CodeInvalidLink)
	wantCode(t, e.svc.VerifyEmail(ctx, "garbage"), CodeInvalidLink)

	// Valid signature, but the stored row is already past expiry.
	raw, _ := e.issuer.IssueEmailToken(u.ID, time.Hour)
	_ = e.store.AuthTokens().Create(ctx, model.AuthToken{
		ID: "stale", UserID: u.ID, Token: raw, Type: model.TokenEmailVerification,
		CreatedAt: e.clock.now().Add(-time.Hour), ExpiresAt: e.clock.now().Add(-time.Minute),
	})
	wantCode(t, e.svc.VerifyEmail(ctx, raw), CodeInvalidLink)

	// Valid signature without any stored row.
	orphan, _ := e.issuer.IssueEmailToken(u.ID, time.Hour)
	wantCode(t, e.svc.VerifyEmail(ctx, orphan), CodeInvalidLink)

	e.clock.add(6 * time.Minute)
	if got := wantCode(t, e.svc.VerifyEmail(ctx, tok), CodeLinkExpired); got.Message != "Link expired" {
		t.Fatalf("message = %q", got.Message)
	}
}

func TestSendVerificationLink(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register(t, alice)

	wantCode(t, e.svc.SendVerificationLink(ctx, ""), CodeValidation)
	wantCode(t, e.svc.SendVerificationLink(ctx, "ghost"), CodeInvalidCredentials)
	if err := e.svc.SendVerificationLink(ctx, "+15550001234"); err != nil {
		t.Fatalf("SendVerificationLink: %v", err)
	}
	e.verifiedUser(t, RegisterInput{Email: "bob@x.com", Username: "bob", Phone: "+2", Password: "pw"})
	wantCode(t, e.svc.SendVerificationLink(ctx, "bob"), CodeEmailAlreadyVerified)
}

func TestResendCooldown(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.ResendCooldown = time.Minute })
	ctx := context.Background()
	e.register(t, alice)

	for i := 0; i < 3; i++ {
		_, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
		wantCode(t, err, CodeEmailNotVerified)
		e.svc.Wait()
	}
	if n := len(e.mail.withSubject("Action Required: Verify Your Email for Dev Auth")); n != 2 {
		t.Fatalf("expected registration mail plus one resend, got %d", n)
	}
}

func TestMagicLink(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	wantCode(t, e.svc.RequestMagicLink(ctx, ""), CodeValidation)
	wantCode(t, e.svc.RequestMagicLink(ctx, "ghost"), CodeInvalidCredentials)
	if err := e.svc.RequestMagicLink(ctx, "alice"); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}
	tok := e.lastToken(t, u.ID, model.TokenMagicLink)
	if len(tok) != 64 {
		t.Fatalf("magic token is not 32 random bytes: %q", tok)
	}
	if msgs := e.mail.withSubject("Your Magic Link for Dev Auth"); len(msgs) != 1 ||
		!strings.Contains(msgs[0].Body, "http://app.test/magic-link?token="+tok) {
		t.Fatalf("magic link email = %+v", msgs)
	}

	sess, err := e.svc.MagicLogin(ctx, tok, testClient)
	if err != nil || sess.User.ID != u.ID {
		t.Fatalf("MagicLogin = %+v, %v", sess, err)
	}
	_, err = e.svc.MagicLogin(ctx, tok, testClient)
	wantCode(t, err, CodeInvalidLink)

	_ = e.svc.RequestMagicLink(ctx, "alice")
	late := e.lastToken(t, u.ID, model.TokenMagicLink)
	e.clock.add(16 * time.Minute)
	_, err = e.svc.MagicLogin(ctx, late, testClient)
	if got := wantCode(t, err, CodeLinkExpired); got.Message != "Magic link expired" {
		t.Fatalf("message = %q", got.Message)
	}
}

func TestPasswordReset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	if err := e.svc.RequestPasswordReset(ctx, "alice"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	tok := e.lastToken(t, u.ID, model.TokenPasswordReset)

	for i := 0; i < 2; i++ {
		if err := e.svc.VerifyPasswordReset(ctx, tok); err != nil {
			t.Fatalf("VerifyPasswordReset consumed or rejected the token: %v", err)
		}
	}
	_, err := e.svc.UpdatePassword(ctx, tok, "", testClient)
	wantCode(t, err, CodeValidation)

	sess, err := e.svc.UpdatePassword(ctx, tok, "new-secret", testClient)
	if err != nil || sess.User.ID != u.ID {
		t.Fatalf("UpdatePassword = %+v, %v", sess, err)
	}
	wantCode(t, e.svc.VerifyPasswordReset(ctx, tok), CodeInvalidLink)
	_, err = e.svc.UpdatePassword(ctx, tok, "second-secret", testClient)
	wantCode(t, err, CodeInvalidLink)

	_, err = e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "second-secret"}, testClient)
	wantCode(t, err, CodeInvalidCredentials)
	_, err = e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
	wantCode(t, err, CodeInvalidCredentials)
	if _, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "new-secret"}, testClient); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestPasswordResetLinkExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)
	_ = e.svc.RequestPasswordReset(ctx, "alice")
	tok := e.lastToken(t, u.ID, model.TokenPasswordReset)

	e.clock.add(16 * time.Minute)
	_, err := e.svc.UpdatePassword(ctx, tok, "new-secret", testClient)
	if got := wantCode(t, err, CodeLinkExpired); got.Message != "Password reset link expired" {
		t.Fatalf("message = %q", got.Message)
	}
	if _, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient); err != nil {
		t.Fatalf("old password should still work: %v", err)
	}
}

func TestGetMFA(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	_, err := e.svc.GetMFA(ctx, "ghost")
	wantCode(t, err, CodeUserNotFound)

	ov, err := e.svc.GetMFA(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetMFA: %v", err)
	}
	if ov.IsMFA || len(ov.Methods) != 1 {
		t.Fatalf("overview = %+v", ov)
	}
	offer := ov.Methods[0]
	if offer.Type != model.MFATimeBased || offer.IsEnabled || offer.Secret == "" || offer.SecretURL == nil ||
		!strings.HasPrefix(*offer.SecretURL, "otpauth://totp/") {
		t.Fatalf("totp offer = %+v", offer)
	}

	_ = e.store.MFA().Upsert(ctx, model.MFAMethod{UserID: u.ID, Type: model.MFAEmailCode, IsEnabled: true})
	ov, _ = e.svc.GetMFA(ctx, u.ID)
	if !ov.IsMFA || len(ov.Methods) != 2 || ov.Methods[0].SecretURL != nil {
		t.Fatalf("overview = %+v", ov)
	}
	b, _ := json.Marshal(ov)
	if !strings.Contains(string(b), `"mfa_type":"email_otp"`) {
		t.Fatalf("json = %s", b)
	}
}

func TestUpdateMFA(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	_, err := e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "none", IsEnabled: true})
	wantCode(t, err, CodeInvalidMFAType)
	_, err = e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "phone_otp", IsEnabled: true})
	wantCode(t, err, CodeNotImplemented)
	_, err = e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: "123456"})
	wantCode(t, err, CodeValidation)

	// Email setup: first call mails a code, second confirms it.
	res, err := e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "email_otp", IsEnabled: true})
	if err != nil || res.Step != "otp" {
		t.Fatalf("UpdateMFA send = %+v, %v", res, err)
	}
	code := e.lastOTP(t)
	if !e.mr.Exists("otp:mfa:sid-1") {
		t.Fatal("setup challenge not stored under the mfa purpose")
	}
	if e.mr.Exists("otp:login:sid-1") {
		t.Fatal("setup challenge leaked into the login purpose")
	}
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "email_otp", IsEnabled: true, OTP: code}); err != nil {
		t.Fatalf("UpdateMFA confirm: %v", err)
	}
	_, err = e.svc.UpdateMFA(ctx, u.ID, "sid-1", MFAUpdateInput{Type: "email_otp", IsEnabled: true})
	wantCode(t, err, CodeMFAUnchanged)

	// TOTP enable then disable clears the secret.
	secret, _ := otp.GenerateSecret()
	c, _ := e.codes.GenerateCode(secret, otp.Default)
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: c, Secret: secret}); err != nil {
		t.Fatalf("enable totp: %v", err)
	}
	_, err = e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: c, Secret: secret})
	wantCode(t, err, CodeMFAUnchanged)
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: false, OTP: c, Secret: secret}); err != nil {
		t.Fatalf("disable totp: %v", err)
	}
	m, _ := e.store.MFA().Get(ctx, u.ID, model.MFATimeBased)
	if m.IsEnabled || m.Secret.Valid {
		t.Fatalf("disabled totp = %+v", m)
	}
}

func TestGetMFAOffersSecretAfterTOTPDisabled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	secret, _ := otp.GenerateSecret()
	c, _ := e.codes.GenerateCode(secret, otp.Default)
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: c, Secret: secret}); err != nil {
		t.Fatalf("enable totp: %v", err)
	}
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: false, OTP: c}); err != nil {
		t.Fatalf("disable totp: %v", err)
	}

	ov, err := e.svc.GetMFA(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetMFA: %v", err)
	}
	if len(ov.Methods) != 1 {
		t.Fatalf("methods = %+v", ov.Methods)
	}
	offer := ov.Methods[0]
	if offer.Type != model.MFATimeBased || offer.IsEnabled || offer.Secret == "" || offer.SecretURL == nil ||
		!strings.HasPrefix(*offer.SecretURL, "otpauth://totp/") {
		t.Fatalf("totp offer after disable = %+v", offer)
	}

	// The offered secret re-enrols.
	c, _ = e.codes.GenerateCode(offer.Secret, otp.Default)
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: c, Secret: offer.Secret}); err != nil {
		t.Fatalf("re-enable totp: %v", err)
	}
}

func TestDisableTOTPChecksEnrolledSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)

	enrolled, _ := otp.GenerateSecret()
	c, _ := e.codes.GenerateCode(enrolled, otp.Default)
	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: true, OTP: c, Secret: enrolled}); err != nil {
		t.Fatalf("enable totp: %v", err)
	}

	foreign, _ := otp.GenerateSecret()
	fc, _ := e.codes.GenerateCode(foreign, otp.Default)
	if fc == c {
		t.Skip("codes collided")
	}
	_, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: false, OTP: fc, Secret: foreign})
	wantCode(t, err, CodeInvalidOTP)
	if m, _ := e.store.MFA().Get(ctx, u.ID, model.MFATimeBased); !m.IsEnabled || m.Secret.String != enrolled {
		t.Fatalf("totp changed by a foreign secret: %+v", m)
	}

	if _, err := e.svc.UpdateMFA(ctx, u.ID, "", MFAUpdateInput{Type: "totp", IsEnabled: false, OTP: c, Secret: foreign}); err != nil {
		t.Fatalf("disable with enrolled code: %v", err)
	}
	if m, _ := e.store.MFA().Get(ctx, u.ID, model.MFATimeBased); m.IsEnabled {
		t.Fatalf("totp still enabled: %+v", m)
	}
}

func TestEmailOTPChallengeDiscardedAfterRepeatedFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.verifiedUser(t, alice)
	_ = e.store.MFA().Upsert(ctx, model.MFAMethod{UserID: u.ID, Type: model.MFAEmailCode, IsEnabled: true})

	login := LoginInput{LoginID: "alice", Password: "pw123", MFAType: "email_otp"}
	_, err := e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeOTPSent)
	code := e.lastOTP(t)

	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	login.OTP = wrong
	for i := 1; i <= MaxOTPAttempts; i++ {
		_, err = e.svc.Login(ctx, login, testClient)
		wantCode(t, err, CodeInvalidOTP)
		if live := e.mr.Exists("otp:login:sid-1"); live != (i < MaxOTPAttempts) {
			t.Fatalf("after %d failures challenge live = %v", i, live)
		}
	}
	if e.mr.Exists("otp:login:sid-1:attempts") {
		t.Fatal("attempt counter left behind")
	}

	login.OTP = code
	_, err = e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeInvalidOTP)

	// A fresh code starts a fresh count.
	login.OTP = ""
	_, err = e.svc.Login(ctx, login, testClient)
	wantCode(t, err, CodeOTPSent)
	login.OTP = e.lastOTP(t)
	if _, err := e.svc.Login(ctx, login, testClient); err != nil {
		t.Fatalf("Login with new code: %v", err)
	}
}

func TestUpdateMFAEmailNeedsSession(t *testing.T) {
	e := newEnv(t)
	u := e.verifiedUser(t, alice)
	_, err := e.svc.UpdateMFA(context.Background(), u.ID, "", MFAUpdateInput{Type: "email_otp", IsEnabled: true})
	wantCode(t, err, CodeSessionMissing)
}

func TestLogoutAndListSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.verifiedUser(t, alice)

	first, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, testClient)
	if err != nil {
		t.Fatal(err)
	}
	e.clock.add(time.Minute)
	second, err := e.svc.Login(ctx, LoginInput{LoginID: "alice", Password: "pw123"}, Client{UserAgent: "phone", SessionID: "sid-2"})
	if err != nil {
		t.Fatal(err)
	}

	views, err := e.svc.ListSessions(ctx, first.User.ID, second.Record.ID)
	if err != nil || len(views) != 2 {
		t.Fatalf("ListSessions = %+v, %v", views, err)
	}
	if views[0].ID != second.Record.ID || !views[0].Current || views[1].Current {
		t.Fatalf("order/current wrong: %+v", views)
	}
	b, _ := json.Marshal(views)
	if strings.Contains(string(b), first.Record.Token) || strings.Contains(string(b), first.AccessToken) {
		t.Fatal("session listing leaks token strings")
	}

	out, err := e.svc.Logout(ctx, first.Record)
	if err != nil || !out.Revoked || out.RevokedAt == nil {
		t.Fatalf("Logout = %+v, %v", out, err)
	}
	rec, _ := e.store.RefreshTokens().GetByToken(ctx, first.Record.Token)
	if !rec.Revoked || !rec.RevokedAt.Valid {
		t.Fatalf("record not revoked: %+v", rec)
	}
}

func TestMasking(t *testing.T) {
	emails := map[string]string{
		"alice@x.com":     "al*ce@x.com",
		"jonathan@ex.org": "jo****an@ex.org",
		"abcd@x.com":      "ab**@x.com",
		"ab@x.com":        "ab@x.com",
		"no-at-sign":      "no-at-sign",
	}
	for in, want := range emails {
		if got := maskEmail(in); got != want {
			t.Errorf("maskEmail(%q) = %q, want %q", in, got, want)
		}
	}
	if got := maskPhone("1234567890"); got != "123*****890" {
		t.Errorf("maskPhone = %q", got)
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := error(&Error{Code: CodeInvalidOTP, Message: "whatever"})
	if !errors.Is(err, &Error{Code: CodeInvalidOTP}) || errors.Is(err, ErrInternal) {
		t.Fatal("Is does not match by code")
	}
	wrapped := fmt.Errorf("login: %w", internal("store otp", errors.New("redis down")))
	if !errors.Is(wrapped, ErrInternal) {
		t.Fatal("wrapped internal error not matched")
	}
}

// Package otp generates and verifies one-time codes against a shared
// secret. Verification is pure: it never touches storage, and malformed
// input yields false rather than an error.
package otp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// Method selects the code scheme.
type Method uint8

const (
	// Default is the authenticator-app scheme: 30s step, one step of skew.
	Default Method = iota
	// TimeWindow uses a 5 minute step and tolerates one step either side.
	TimeWindow
	// Counter is HOTP pinned to counter 0. The counter is never persisted
	// or advanced, so a code stays valid for as long as the secret does.
	Counter
)

const (
	windowPeriod = 5 * 60 // seconds
	windowSkew   = 1
	secretBytes  = 20
)

// Engine generates and checks codes. Now is the clock used for time-based
// schemes; nil means time.Now.
type Engine struct {
	Now func() time.Time
}

// New returns an Engine on the wall clock.
func New() *Engine { return &Engine{} }

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func opts(m Method) totp.ValidateOpts {
	if m == TimeWindow {
		return totp.ValidateOpts{Period: windowPeriod, Skew: windowSkew, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	}
	return totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
}

// GenerateSecret returns a fresh base32 secret, unpadded, as authenticator
// apps expect.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("otp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// GenerateCode returns the current code for secret under method m.
func (e *Engine) GenerateCode(secret string, m Method) (string, error) {
	if m == Counter {
		return hotp.GenerateCode(secret, 0)
	}
	return totp.GenerateCodeCustom(secret, e.now(), opts(m))
}

// VerifyCode reports whether code is valid for secret under method m.
func (e *Engine) VerifyCode(secret, code string, m Method) bool {
	if secret == "" || code == "" {
		return false
	}
	if m == Counter {
		ok, err := hotp.ValidateCustom(code, 0, secret, hotp.ValidateOpts{Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
		return err == nil && ok
	}
	ok, err := totp.ValidateCustom(code, secret, e.now(), opts(m))
	return err == nil && ok
}

// ProvisioningURL returns the otpauth:// URI an authenticator app scans to
// enrol secret for account under issuer.
func ProvisioningURL(issuer, account, secret string) (string, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("otp secret: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Secret:      raw,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Package otp implements the time-based one-time code used as a second
// factor before privileged VPN actions.
package otp

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the lifetime of one code window.
	Period = 30 * time.Second
	// Digits is the code length.
	Digits = 6
	// Skew is how many adjacent windows verification accepts on each side.
	Skew = 1
)

var opts = totp.ValidateOpts{
	Period:    uint(Period / time.Second),
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Generate returns the code valid for the window containing at.
func Generate(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, opts)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return code, nil
}

// WellFormed reports whether code is exactly six ASCII digits.
func WellFormed(code string) bool {
	if len(code) != Digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Verify reports whether code matches the window containing at or either
// adjacent window.
func Verify(secret, code string, at time.Time) bool {
	if !WellFormed(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, opts)
	return err == nil && ok
}

// Key is a freshly provisioned shared secret.
type Key struct {
	Secret string
	URL    string // otpauth:// URI for authenticator apps
}

// NewKey provisions a new random secret for an authenticator app.
func NewKey(issuer, account string) (Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      opts.Period,
		Digits:      opts.Digits,
		Algorithm:   opts.Algorithm,
	})
	if err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return Key{Secret: key.Secret(), URL: key.URL()}, nil
}

// Verifier binds a secret and a clock. The conversation engine depends on
// this rather than on the package functions so tests can pin time.
type Verifier struct {
	secret string
	now    func() time.Time
}

// NewVerifier creates a Verifier using the wall clock.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// WithClock returns a copy of v reading time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{secret: v.secret, now: now}
}

// Verify checks code against the current time.
func (v *Verifier) Verify(code string) bool {
	return Verify(v.secret, code, v.now())
}

// Current returns the currently valid code.
func (v *Verifier) Current() (string, error) {
	return Generate(v.secret, v.now())
}

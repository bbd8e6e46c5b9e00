// Package auth verifies session credentials presented by dashboard and
// account-scoped API calls. Credential issuance happens in the account
// service; this package only checks that a presented token is genuine
// and unexpired, and extracts the identity email it was minted for.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidToken means the token is malformed or its signature does not match.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken means the token was valid but its expiry has passed.
	ErrExpiredToken = errors.New("expired session token")
)

// Session is the verified content of a session credential.
type Session struct {
	Email     string
	ExpiresAt time.Time
}

// Verifier checks a presented session credential and returns the session
// it encodes. Implementations must be safe for concurrent use.
type Verifier interface {
	Verify(token string) (*Session, error)
}

// HMACVerifier validates tokens of the form
//
//	base64url(email|unix_expiry) + "." + hex(hmac_sha256(secret, email|unix_expiry))
//
// which is the format the account service issues.
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewHMACVerifier creates a verifier for tokens signed with the given secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), now: time.Now}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(token string) (*Session, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return nil, ErrInvalidToken
	}

	email, expStr, ok := strings.Cut(string(raw), "|")
	if !ok || email == "" {
		return nil, ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}

	expiresAt := time.Unix(exp, 0)
	if v.now().After(expiresAt) {
		return nil, ErrExpiredToken
	}

	return &Session{Email: email, ExpiresAt: expiresAt}, nil
}

// Sign mints a token in the format Verify accepts. Exposed for tests and
// local development; production tokens come from the account service.
func Sign(secret, email string, expiresAt time.Time) string {
	raw := fmt.Sprintf("%s|%d", email, expiresAt.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(raw))
	return base64.RawURLEncoding.EncodeToString([]byte(raw)) + "." + hex.EncodeToString(mac.Sum(nil))
}

var _ Verifier = (*HMACVerifier)(nil)

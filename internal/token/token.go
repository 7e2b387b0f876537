// Package token mints and verifies the short-lived credential that binds a
// user to the push channel. The wire form is "hex(signature).ts.uid" where the
// signature is HMAC-SHA256 over "uid|ts".
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrDisabled  = errors.New("token: push credentials not configured")
	ErrMalformed = errors.New("token: malformed")
	ErrSignature = errors.New("token: bad signature")
	ErrExpired   = errors.New("token: outside validity window")
)

// Claims are the values carried in the clear
type Claims struct {
	UserID   int64
	IssuedAt int64
}

// Issuer signs tokens for authenticated users
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an Issuer. An empty secret yields a disabled issuer.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a secret is configured
func (i *Issuer) Enabled() bool {
	return len(i.secret) > 0
}

// Issue returns a token for userID stamped with the current unix time
func (i *Issuer) Issue(userID int64) (string, Claims, error) {
	if !i.Enabled() {
		return "", Claims{}, ErrDisabled
	}
	if userID <= 0 {
		return "", Claims{}, fmt.Errorf("token: invalid user id %d", userID)
	}
	c := Claims{UserID: userID, IssuedAt: i.now().Unix()}
	return Format(i.secret, c), c, nil
}

// Format renders signed claims
func Format(secret []byte, c Claims) string {
	return sign(secret, c) + "." + strconv.FormatInt(c.IssuedAt, 10) + "." + strconv.FormatInt(c.UserID, 10)
}

func sign(secret []byte, c Claims) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(c.UserID, 10) + "|" + strconv.FormatInt(c.IssuedAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks tokens on the push server side
type Verifier struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier accepts tokens issued at most ttl ago and at most skew in the future
func NewVerifier(secret string, ttl, skew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, skew: skew, now: time.Now}
}

// Verify parses tok and checks signature and freshness
func (v *Verifier) Verify(tok string) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformed
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	uid, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || uid <= 0 {
		return Claims{}, ErrMalformed
	}
	c := Claims{UserID: uid, IssuedAt: ts}

	got, err := hex.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	want, _ := hex.DecodeString(sign(v.secret, c))
	if len(v.secret) == 0 || !hmac.Equal(got, want) {
		return Claims{}, ErrSignature
	}

	now := v.now().Unix()
	if ts < now-int64(v.ttl/time.Second) || ts > now+int64(v.skew/time.Second) {
		return Claims{}, ErrExpired
	}
	return c, nil
}

// RefreshDue reports whether a token issued at issuedAt should be replaced.
// threshold must be shorter than the verifier ttl.
func RefreshDue(issuedAt, now time.Time, threshold time.Duration) bool {
	return now.Sub(issuedAt) >= threshold
}

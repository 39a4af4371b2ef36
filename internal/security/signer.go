// Package security provides the small cryptographic helpers the authorization
// server needs: HMAC cookie signing, single-use random tokens, and the
// mandatory delay applied to authentication failures.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CookieSigner signs and verifies cookie values with HMAC-SHA256.
// The signed form is "<value>.<base64url(mac)>".
type CookieSigner struct {
	secret []byte
}

// NewCookieSigner creates a signer from the configured session secret.
func NewCookieSigner(secret string) *CookieSigner {
	return &CookieSigner{secret: []byte(secret)}
}

// Sign returns the signed form of value.
func (s *CookieSigner) Sign(value string) string {
	return value + "." + s.mac(value)
}

// Verify checks a signed cookie value and returns the embedded value.
// Tampered or malformed input returns ok=false.
func (s *CookieSigner) Verify(signed string) (string, bool) {
	idx := strings.LastIndex(signed, ".")
	if idx <= 0 || idx == len(signed)-1 {
		return "", false
	}
	value, gotMAC := signed[:idx], signed[idx+1:]

	want, err := base64.RawURLEncoding.DecodeString(s.mac(value))
	if err != nil {
		return "", false
	}
	got, err := base64.RawURLEncoding.DecodeString(gotMAC)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, want) {
		return "", false
	}
	return value, true
}

func (s *CookieSigner) mac(value string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

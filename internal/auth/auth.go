// Package auth checks the shared admin secret sent in the x-admin-key header.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
)

// HeaderName carries the admin secret on upload and shorten requests.
const HeaderName = "x-admin-key"

// Verifier compares presented keys against the configured admin password.
type Verifier struct {
	// Both sides are MACed under a per-process key before comparing, so the
	// comparison is constant time regardless of input length.
	key      []byte
	expected []byte
	enabled  bool
}

// NewVerifier builds a Verifier. When password is empty or equals
// disabledDefault every key is rejected.
func NewVerifier(password, disabledDefault string) *Verifier {
	v := &Verifier{key: make([]byte, 32)}
	if _, err := rand.Read(v.key); err != nil {
		// An all-zero key only weakens the length hiding, not the comparison.
		v.key = make([]byte, 32)
	}
	if password == "" || password == disabledDefault {
		return v
	}
	v.enabled = true
	v.expected = v.sum(password)
	return v
}

// Enabled reports whether admin privilege can be granted at all.
func (v *Verifier) Enabled() bool { return v.enabled }

// Verify reports whether key matches the admin password.
func (v *Verifier) Verify(key string) bool {
	if !v.enabled || key == "" {
		return false
	}
	return hmac.Equal(v.sum(key), v.expected)
}

// IsAdmin checks the request's admin header.
func (v *Verifier) IsAdmin(r *http.Request) bool {
	return v.Verify(r.Header.Get(HeaderName))
}

func (v *Verifier) sum(s string) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(s))
	return mac.Sum(nil)
}

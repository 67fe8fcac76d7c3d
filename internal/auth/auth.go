// Package auth provides the client-side half of the registry's bearer-token
// authentication: canopy only ever reads a configured token and, if it
// happens to be a JWT, inspects its expiry before spending a network round
// trip on a request that is certain to come back 401. It never signs or
// verifies a signature, unlike the registry server's own auth middleware.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token wraps a bearer token string. It stores no decoded claims;
// ExpiryWarning decodes them on each call.
type Token struct {
	Raw string
}

// NewToken wraps a raw bearer token string. An empty string is a valid,
// no-op token (unauthenticated requests).
func NewToken(raw string) Token { return Token{Raw: raw} }

func (t Token) String() string { return t.Raw }

// Empty reports whether no token was configured.
func (t Token) Empty() bool { return t.Raw == "" }

// ExpiryWarning returns a human-readable warning if t parses as a JWT whose
// exp claim has already passed, so the caller can log it before making a
// request that the registry would reject anyway. It returns "" for opaque
// (non-JWT) tokens, tokens with no exp claim, or tokens that are not
// expired — canopy has no registry public key, so it never verifies the
// signature, only reads the claims.
func (t Token) ExpiryWarning(now time.Time) string {
	if t.Empty() {
		return ""
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(t.Raw, claims); err != nil {
		return ""
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ""
	}
	if exp.Time.Before(now) {
		return fmt.Sprintf("registry auth token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return ""
}

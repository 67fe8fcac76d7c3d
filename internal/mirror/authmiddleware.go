package mirror

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/canopy-pm/canopy/internal/auth"
)

// authMiddleware gates every request behind a single configured bearer
// token, read-only equivalent of the teacher's SSH-key permission tiers:
// the mirror never accepts writes, so there is no read/write distinction
// to enforce, only "known token or not".
type authMiddleware struct {
	log   *slog.Logger
	token auth.Token
	next  http.Handler
}

func newAuthMiddleware(log *slog.Logger, token auth.Token, next http.Handler) *authMiddleware {
	if token.Empty() {
		log.Warn("mirror started without an access token - all requests are permitted")
	}
	return &authMiddleware{log: log, token: token, next: next}
}

func (m *authMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.token.Empty() {
		m.next.ServeHTTP(w, r)
		return
	}

	header := r.Header.Get("Authorization")
	presented := strings.TrimPrefix(header, "Bearer ")
	if header == "" || presented != m.token.String() {
		m.log.Warn("request with missing or invalid bearer token", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
		return
	}

	m.next.ServeHTTP(w, r)
}

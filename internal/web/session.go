package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/riffleapp/riffle/internal/db"
)

type contextKey int

const sessionKey contextKey = iota

// sessionFrom returns the session the auth middleware resolved. Handlers
// behind requireSession may assume it is present.
func sessionFrom(ctx context.Context) *db.Session {
	session, _ := ctx.Value(sessionKey).(*db.Session)
	return session
}

// bearerToken extracts the access token from the Authorization header or,
// for transports that cannot set headers (the event stream), from ?token=.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// requireSession resolves the request token to a session row and rejects
// requests without one.
func (h *Handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing access token")
			return
		}
		session, err := h.Sessions.GetByAccessToken(r.Context(), token)
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "unknown access token")
			return
		}
		if err != nil {
			h.logger().Error("resolving session", "err", err)
			respondError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

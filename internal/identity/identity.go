// Package identity provides anonymous per-player session identity primitives.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jpoore/twotruths/internal/store"
)

const (
	// SessionCookieName carries the opaque session id across requests.
	SessionCookieName = "twotruths_session"

	sessionCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^sess_[a-f0-9-]{36}$`)

// SessionIDFromContext extracts the session id from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a fresh opaque session id.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

func isValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SetCookie issues (or refreshes) the session cookie.
func SetCookie(w http.ResponseWriter, sessionID string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(sessionCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateSessionID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && isValidSessionID(c.Value) {
		SetCookie(w, c.Value, isDev)
		return c.Value
	}

	id := NewSessionID()
	SetCookie(w, id, isDev)
	return id
}

// Middleware injects a per-player session id, creating the session record
// if absent. Session creation is explicit and idempotent; it is never
// implied by the mere presence of a request elsewhere in the stack.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := getOrCreateSessionID(w, r, isDev)

			if _, err := repo.EnsureSession(r.Context(), sessionID); err != nil {
				http.Error(w, `{"error":"failed to establish session"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

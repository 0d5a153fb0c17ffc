package session

import (
	"context"
	"net/http"

	"github.com/hangarhq/hangar/pkg/contextkeys"
)

// CookieName is the session cookie set on successful login
const CookieName = "hangar_session"

// Middleware resolves the session cookie into a *Payload on the request
// context. With optional set, requests without a valid session pass through
// unauthenticated; otherwise they are rejected with 401.
type Middleware struct {
	store    Store
	optional bool
}

// NewMiddleware creates a new session middleware
func NewMiddleware(store Store, optional bool) *Middleware {
	return &Middleware{
		store:    store,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with session resolution
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			unauthorizedResponse(w, "missing session")
			return
		}

		payload, err := m.store.Get(r.Context(), cookie.Value)
		if err != nil {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			unauthorizedResponse(w, "invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), contextkeys.SessionKey, payload)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromRequest extracts the session payload from the request context, or nil
func FromRequest(r *http.Request) *Payload {
	return FromContext(r.Context())
}

// FromContext extracts the session payload from a context, or nil
func FromContext(ctx context.Context) *Payload {
	v := ctx.Value(contextkeys.SessionKey)
	if v == nil {
		return nil
	}
	payload, ok := v.(*Payload)
	if !ok {
		return nil
	}
	return payload
}

func unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

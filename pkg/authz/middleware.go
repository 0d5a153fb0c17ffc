package authz

import (
	"net/http"

	"github.com/hangarhq/hangar/pkg/session"
)

// Middleware enforces route requirements against the session placed on the
// request context by the session middleware
type Middleware struct {
	engine *Engine
}

// NewMiddleware creates authorization middleware over the given engine
func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{engine: engine}
}

// Require wraps a handler with the given requirement. Unauthenticated
// requests get 401 when the route demands a session, authenticated requests
// without the privilege get 403.
func (m *Middleware) Require(req Requirement, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := session.FromRequest(r)

		if m.engine.Authorize(payload, req) {
			next.ServeHTTP(w, r)
			return
		}

		if payload == nil {
			errorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}
		errorResponse(w, http.StatusForbidden, "forbidden")
	})
}

// RequireFunc is Require for plain handler funcs
func (m *Middleware) RequireFunc(req Requirement, next http.HandlerFunc) http.Handler {
	return m.Require(req, next)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

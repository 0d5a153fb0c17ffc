// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys shared across packages must be defined here.
// This prevents typos, documents dependencies, and makes key usage
// discoverable. Keys private to one package (the observability logger
// context) stay in that package.
//
// USAGE PATTERN:
//   import "github.com/hangarhq/hangar/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.SessionKey, payload)
//   payload := ctx.Value(contextkeys.SessionKey).(*session.Payload)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// SessionKey contains *session.Payload for the authenticated request
	// Set by: session.Middleware (pkg/session/middleware.go)
	// Required by: authz middleware, all authenticated endpoints
	// Type: *session.Payload
	SessionKey Key = "session"
)

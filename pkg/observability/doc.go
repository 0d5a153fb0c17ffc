// Package observability provides structured logging, Prometheus metrics,
// and graceful shutdown coordination for the Hangar backend.
//
// Logging is JSON-structured via log/slog with context plumbing for request
// and user identifiers. Metrics cover the login pipeline (attempts, failures
// by stage), the identity-provider registry (registered/skipped gauges,
// discovery retries), JIT provisioning, authorization checks, and session
// lifecycle.
package observability

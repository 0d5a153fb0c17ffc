//go:build !cgo

package provision

// Without cgo the sqlite3 driver cannot produce typed errors, so there is
// nothing to inspect; callers fall back to the driver-agnostic check.
func isSQLiteUniqueViolation(error) bool { return false }

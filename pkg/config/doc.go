// Package config loads application configuration from HANGAR_-prefixed
// environment variables and validates it before the server starts.
package config

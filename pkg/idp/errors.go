package idp

import "errors"

var (
	// ErrConfiguration indicates a misconfigured identity provider. At
	// registration time it disables that IdP only; during a login attempt it
	// fails that attempt only.
	ErrConfiguration = errors.New("identity provider misconfigured")

	// ErrClaimMissing indicates a required claim was absent, null, or empty
	ErrClaimMissing = errors.New("required claim missing")

	// ErrClaimWrongType indicates a claim had an unexpected JSON shape
	ErrClaimWrongType = errors.New("claim has wrong type")

	// ErrRoleDenied indicates the token carried none of the required roles
	ErrRoleDenied = errors.New("required role not present")

	// ErrPartnerDenied indicates the partner claim did not match any partner
	// configured for the identity provider
	ErrPartnerDenied = errors.New("partner not permitted for identity provider")

	// ErrLoginFailed is the single opaque outcome surfaced for any failed
	// login attempt. The underlying cause is logged server-side and never
	// exposed to the caller.
	ErrLoginFailed = errors.New("login failed")

	// ErrNoIdPForOrigin indicates no registered identity provider matches the
	// requesting origin
	ErrNoIdPForOrigin = errors.New("no identity provider for origin")

	// ErrIdPNotRegistered indicates the identity provider is unknown or was
	// skipped during bootstrap
	ErrIdPNotRegistered = errors.New("identity provider not registered")
)

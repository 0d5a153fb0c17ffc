// Package idp implements multi-tenant OIDC login against per-partner
// identity providers.
//
// Identity providers are stored as configuration and discovered at boot by
// the Registry, which keeps an immutable snapshot of login strategies keyed
// by IdP id. A login attempt flows through code exchange, claim merging,
// optional embedded-claims expansion, role validation, partner resolution,
// and just-in-time provisioning before a session payload is produced. Any
// failure along that pipeline is reported to the caller as the single opaque
// ErrLoginFailed; the concrete cause is only ever logged server-side.
package idp

// Package authz answers per-request privilege checks from the roles carried
// on an authenticated session.
//
// Each route declares exactly one Requirement: NoRequirement (always allow),
// AllowAuthenticated (any session passes), or RequirePrivilege (the key must
// be in the session's derived privilege set). The privilege set is the union
// over the session's roles of a static role table fixed at engine
// construction. Every error path denies.
package authz

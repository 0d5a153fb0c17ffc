// Package provision implements just-in-time creation of user, tenant, and
// membership records at first login.
//
// Identity rules:
//
//	User:   (external_id, idp_id)  the same external id under two IdPs is two users
//	Tenant: (code, partner_id)     the same code under two partners is two tenants
//
// FindOrCreate is idempotent and safe under concurrent first-logins for the
// identical pair: unique constraints arbitrate the race and the losing side
// re-queries the winner's rows instead of surfacing the conflict.
package provision

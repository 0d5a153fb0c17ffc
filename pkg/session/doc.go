// Package session provides the server-side session store and logout planning
// for the Hangar backend.
//
// A session is established only after the full login pipeline in pkg/idp
// succeeds, and holds the resolved user, tenant, IdP session ID, raw ID token,
// and the roles asserted by the identity provider. Sessions live in Redis in
// production (RedisStore) with an in-memory fallback for development and tests.
//
// The LogoutPlanner decides which RP-initiated-logout hint to send back to the
// IdP: the raw ID token when it is small enough to survive proxy header and
// redirect-URL limits, the IdP session ID otherwise, or no hint at all.
package session

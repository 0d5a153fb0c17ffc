package session

// User is the user portion of an established session
type User struct {
	ID         int64  `json:"id"`
	IdPID      string `json:"idp_id"`
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
}

// Tenant is the tenant portion of an established session. The same tenant
// code may denote different tenants under different partners, so the pair
// is always carried together.
type Tenant struct {
	Code      string `json:"code"`
	PartnerID string `json:"partner_id"`
}

// Payload is the session record persisted in the session store. It is
// created once on successful login and destroyed on logout; nothing in the
// login pipeline writes a partial payload.
type Payload struct {
	User         User     `json:"user"`
	Tenant       Tenant   `json:"tenant"`
	IdPSessionID string   `json:"idp_session_id,omitempty"` // "sid" claim, empty when the IdP did not send one
	IDToken      string   `json:"id_token,omitempty"`
	Roles        []string `json:"roles"`
}

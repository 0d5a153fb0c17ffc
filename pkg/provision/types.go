package provision

import "time"

// UserInfo is the identity extracted from a verified claim set
type UserInfo struct {
	ExternalID string
	Email      string
	GivenName  string
	FamilyName string
}

// User identity is (ExternalID, IdPID): the same external id under different
// IdPs denotes distinct users.
type User struct {
	ID         int64     `json:"id"`
	IdPID      string    `json:"idp_id"`
	ExternalID string    `json:"external_id"`
	Email      string    `json:"email,omitempty"`
	GivenName  string    `json:"given_name,omitempty"`
	FamilyName string    `json:"family_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tenant identity is (Code, PartnerID): the same code string may denote
// different tenants under different partners.
type Tenant struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	PartnerID string    `json:"partner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to a tenant. Created on the first successful login
// to that tenant; never deleted by this subsystem.
type Membership struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	TenantID  int64     `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

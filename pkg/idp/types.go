package idp

import "time"

// OIDCConfig holds the OpenID Connect configuration for one identity
// provider, including the claim paths used to normalize heterogeneous token
// shapes. Claim paths may contain dots for one-level-per-segment nested
// lookup ("session.partnerCode").
type OIDCConfig struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	UsePKCE      bool     `json:"use_pkce"`
	Scopes       []string `json:"scopes"`

	// Claim paths
	UserIDClaim         string `json:"user_id_claim"`
	TenantCodeClaim     string `json:"tenant_code_claim"`
	PartnerClaim        string `json:"partner_claim,omitempty"`
	EmbeddedClaimsClaim string `json:"embedded_claims_claim,omitempty"`
	RolesClaim          string `json:"roles_claim,omitempty"`

	// Role enforcement
	RequireRole   bool     `json:"require_role"`
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// Partner is an organization using an identity provider. A partner owns
// tenants; tenant codes are only unique within a partner.
type Partner struct {
	ID    string `json:"id"`
	IdPID string `json:"idp_id"`
}

// IdentityProvider is one configured OIDC issuer and the partners that
// authenticate through it. Loaded once at boot and immutable at runtime.
type IdentityProvider struct {
	ID        string     `json:"id"`
	HomeURL   string     `json:"home_url"`
	OIDC      OIDCConfig `json:"oidc_config"`
	Partners  []Partner  `json:"partners"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PartnerIDs returns the ids of the partners configured for this IdP
func (p *IdentityProvider) PartnerIDs() []string {
	ids := make([]string, 0, len(p.Partners))
	for _, partner := range p.Partners {
		ids = append(ids, partner.ID)
	}
	return ids
}

// HasPartner reports whether the given partner id belongs to this IdP
func (p *IdentityProvider) HasPartner(partnerID string) bool {
	for _, partner := range p.Partners {
		if partner.ID == partnerID {
			return true
		}
	}
	return false
}

package idp

import "fmt"

// PartnerResolver determines which partner a login belongs to
type PartnerResolver struct{}

// NewPartnerResolver creates a new partner resolver
func NewPartnerResolver() *PartnerResolver {
	return &PartnerResolver{}
}

// Resolve returns the partner id for this login attempt. When the IdP is
// shared by multiple partners the token must carry the configured partner
// claim and its value must name one of the IdP's partners. A single-partner
// IdP resolves to that partner regardless of any claim.
func (r *PartnerResolver) Resolve(claims map[string]interface{}, provider *IdentityProvider) (string, error) {
	if provider.OIDC.PartnerClaim != "" {
		partnerID, err := ExtractString(claims, provider.OIDC.PartnerClaim)
		if err != nil {
			return "", err
		}
		if !provider.HasPartner(partnerID) {
			return "", fmt.Errorf("partner %q is not configured for IdP %q: %w",
				partnerID, provider.ID, ErrPartnerDenied)
		}
		return partnerID, nil
	}

	if len(provider.Partners) == 1 {
		return provider.Partners[0].ID, nil
	}

	// Registration-time validation rejects multi-partner IdPs without a
	// partner claim, so this only fires if an IdP bypassed Bootstrap.
	return "", fmt.Errorf("IdP %q has %d partners and no partner claim: %w",
		provider.ID, len(provider.Partners), ErrConfiguration)
}

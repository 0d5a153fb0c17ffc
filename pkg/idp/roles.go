package idp

import "fmt"

// RoleValidator enforces a configured "must have one of these roles" rule on
// the merged claim set.
type RoleValidator struct{}

// NewRoleValidator creates a new role validator
func NewRoleValidator() *RoleValidator {
	return &RoleValidator{}
}

// Validate checks the roles asserted by the token against the IdP's required
// roles and returns the token's roles for the session. With RequireRole off
// the attempt always passes and roles are collected best-effort. With it on,
// the config must name both a roles claim and at least one required role, the
// claim must decode to a string or a list of strings, and the intersection
// with the required roles must be non-empty (any-of, not all-of).
func (v *RoleValidator) Validate(claims map[string]interface{}, config OIDCConfig) ([]string, error) {
	if !config.RequireRole {
		if config.RolesClaim == "" {
			return nil, nil
		}
		roles, err := rolesFromClaims(claims, config.RolesClaim)
		if err != nil {
			// Lenient when enforcement is off
			return nil, nil
		}
		return roles, nil
	}

	if config.RolesClaim == "" || len(config.RequiredRoles) == 0 {
		return nil, fmt.Errorf("require_role set without roles_claim and required_roles: %w", ErrConfiguration)
	}

	roles, err := rolesFromClaims(claims, config.RolesClaim)
	if err != nil {
		return nil, err
	}

	required := make(map[string]bool, len(config.RequiredRoles))
	for _, role := range config.RequiredRoles {
		required[role] = true
	}

	for _, role := range roles {
		if required[role] {
			return roles, nil
		}
	}

	return nil, fmt.Errorf("token roles %v match none of the required roles: %w", roles, ErrRoleDenied)
}

// rolesFromClaims extracts the roles claim, accepting a single string or a
// list of strings. Any other shape fails closed.
func rolesFromClaims(claims map[string]interface{}, path string) ([]string, error) {
	value, err := ExtractClaim(claims, path, ModeRequired)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			role, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("roles claim %q contains a non-string entry: %w", path, ErrClaimWrongType)
			}
			roles = append(roles, role)
		}
		return roles, nil
	default:
		return nil, fmt.Errorf("roles claim %q is neither string nor string list: %w", path, ErrClaimWrongType)
	}
}

package idp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractMode controls how ExtractClaim treats absent or mistyped values
type ExtractMode int

const (
	// ModeOptional returns nil for absent, null, or empty-string values
	ModeOptional ExtractMode = iota
	// ModeRequired fails with ErrClaimMissing for absent, null, or
	// empty-string values
	ModeRequired
	// ModeRequiredString additionally fails with ErrClaimWrongType unless the
	// value is a string
	ModeRequiredString
)

// ExtractClaim looks up a claim by dot path, one map level per segment.
// Lookup stops with ErrClaimWrongType if an intermediate segment resolves to
// anything but a JSON object.
func ExtractClaim(claims map[string]interface{}, path string, mode ExtractMode) (interface{}, error) {
	segments := strings.Split(path, ".")

	current := claims
	for i, segment := range segments[:len(segments)-1] {
		value, ok := current[segment]
		if !ok || value == nil {
			return missingClaim(path, mode)
		}
		nested, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path %q: segment %q is not an object: %w",
				path, strings.Join(segments[:i+1], "."), ErrClaimWrongType)
		}
		current = nested
	}

	value, ok := current[segments[len(segments)-1]]
	if !ok || value == nil || value == "" {
		return missingClaim(path, mode)
	}

	if mode == ModeRequiredString {
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("claim %q is not a string: %w", path, ErrClaimWrongType)
		}
	}

	return value, nil
}

func missingClaim(path string, mode ExtractMode) (interface{}, error) {
	if mode == ModeOptional {
		return nil, nil
	}
	return nil, fmt.Errorf("claim %q: %w", path, ErrClaimMissing)
}

// ExtractString extracts a required string claim
func ExtractString(claims map[string]interface{}, path string) (string, error) {
	value, err := ExtractClaim(claims, path, ModeRequiredString)
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// ExtractOptionalString extracts an optional claim, returning "" when absent
// or not a string
func ExtractOptionalString(claims map[string]interface{}, path string) string {
	value, err := ExtractClaim(claims, path, ModeOptional)
	if err != nil || value == nil {
		return ""
	}
	str, _ := value.(string)
	return str
}

// MergeClaims merges ID-token claims and userinfo claims into one claim set,
// userinfo taking precedence on key conflicts.
func MergeClaims(idToken, userinfo map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(idToken)+len(userinfo))
	for k, v := range idToken {
		merged[k] = v
	}
	for k, v := range userinfo {
		merged[k] = v
	}
	return merged
}

// ExpandEmbeddedClaims extracts the JSON-encoded claim at path, parses it,
// and merges the parsed object into a copy of the claim set. The parsed value
// must be a JSON object; anything else (array, scalar, null) fails the
// attempt.
func ExpandEmbeddedClaims(claims map[string]interface{}, path string) (map[string]interface{}, error) {
	raw, err := ExtractString(claims, path)
	if err != nil {
		return nil, err
	}

	var embedded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &embedded); err != nil {
		return nil, fmt.Errorf("claim %q is not valid embedded JSON: %w", path, ErrClaimWrongType)
	}
	if embedded == nil {
		return nil, fmt.Errorf("claim %q decodes to null, not an object: %w", path, ErrClaimWrongType)
	}

	return MergeClaims(claims, embedded), nil
}

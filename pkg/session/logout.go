package session

// DefaultHintMaxBytes is the default ceiling for passing the raw ID token as
// a logout hint. Intermediary proxies cap individual header sizes around 4KB
// and the hint must also fit in a redirect URL, so tokens at or above this
// size fall back to the short "sid" hint.
const DefaultHintMaxBytes = 3072

// Hint is a single logout hint query parameter for the IdP end-session URL
type Hint struct {
	Param string
	Value string
}

// LogoutPlanner selects which logout hint to send to the IdP. Different IdPs
// only honor one hint type; omitting both still lets logout complete, it just
// degrades to a confirmation page at the IdP.
type LogoutPlanner struct {
	maxBytes int
}

// NewLogoutPlanner creates a logout planner. maxBytes <= 0 selects
// DefaultHintMaxBytes.
func NewLogoutPlanner(maxBytes int) *LogoutPlanner {
	if maxBytes <= 0 {
		maxBytes = DefaultHintMaxBytes
	}
	return &LogoutPlanner{maxBytes: maxBytes}
}

// Plan selects the logout hint for the given session. It returns the hint and
// true, or false when neither hint is usable.
func (p *LogoutPlanner) Plan(idToken, idpSessionID string) (Hint, bool) {
	if idToken != "" && len(idToken) < p.maxBytes {
		return Hint{Param: "id_token_hint", Value: idToken}, true
	}
	if idpSessionID != "" {
		return Hint{Param: "logout_hint", Value: idpSessionID}, true
	}
	return Hint{}, false
}

package core

// Principal is the authenticated identity returned to the host on success.
type Principal struct {
	// Subject is the token's sub claim.
	Subject string

	// Role is the value of the configured role claim. It equals Subject
	// when the role claim is sub, and is empty when the claim is absent.
	Role string

	// Issuer is the token's iss claim.
	Issuer string

	// Audience holds the token's aud values; nil when the claim is absent.
	Audience []string

	// Claims is a copy of every claim in the token payload.
	Claims map[string]any
}

// Claim returns the named claim and whether it was present.
func (p *Principal) Claim(name string) (any, bool) {
	if p == nil || p.Claims == nil {
		return nil, false
	}
	v, ok := p.Claims[name]
	return v, ok
}

package trust

import (
	"fmt"
	"sort"

	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/core"
)

// Decision describes where the keys of an authorized issuer come from.
type Decision struct {
	// Issuer is the token's iss claim.
	Issuer string

	// DiscoveryTarget is the base URL whose discovery document is fetched.
	// Empty when JWKSURI is pinned.
	DiscoveryTarget string

	// ExpectedIssuer is the issuer the discovery document must declare.
	ExpectedIssuer string

	// JWKSURI is set when the issuer's key set location is pinned in
	// configuration. It may be an https, http or file URL.
	JWKSURI string
}

// Pinned reports whether discovery is skipped for this decision.
func (d Decision) Pinned() bool {
	return d.JWKSURI != ""
}

// Policy decides which issuers are trusted. It is immutable after
// construction and safe for concurrent use. Authorize never touches the
// network.
type Policy struct {
	mode            config.Mode
	discoveryIssuer string
	allowed         map[string]struct{}
	pinned          map[string]string
}

// NewPolicy builds a Policy from cfg. issuers is the full allow-list, usually
// the result of reading the configured Source once.
func NewPolicy(cfg *config.TrustConfiguration, issuers []string) *Policy {
	p := &Policy{
		mode:            cfg.Mode,
		discoveryIssuer: cfg.DiscoveryIssuer,
		allowed:         make(map[string]struct{}, len(issuers)),
		pinned:          make(map[string]string, len(cfg.IssuerJWKSURIs)),
	}
	for _, iss := range issuers {
		p.allowed[iss] = struct{}{}
	}
	for iss, uri := range cfg.IssuerJWKSURIs {
		p.pinned[iss] = uri
	}
	return p
}

// Authorize maps an issuer claim to a Decision, or fails with an error
// wrapping core.ErrUntrustedIssuer.
func (p *Policy) Authorize(issuer string) (Decision, error) {
	if issuer == "" {
		return Decision{}, fmt.Errorf("%w: token has no issuer", core.ErrUntrustedIssuer)
	}
	if _, ok := p.allowed[issuer]; !ok {
		return Decision{}, fmt.Errorf("%w: %q is not in the allow-list", core.ErrUntrustedIssuer, issuer)
	}

	if uri, ok := p.pinned[issuer]; ok {
		return Decision{Issuer: issuer, ExpectedIssuer: issuer, JWKSURI: uri}, nil
	}

	switch p.mode {
	case config.ModeHTTPDiscoverTrustedIssuer:
		target := p.discoveryIssuer
		if target == "" {
			target = issuer
		}
		return Decision{Issuer: issuer, DiscoveryTarget: target, ExpectedIssuer: issuer}, nil
	case config.ModeDisabled:
		return Decision{}, fmt.Errorf("%w: %q has no pinned key set and discovery is disabled", core.ErrUntrustedIssuer, issuer)
	default:
		return Decision{Issuer: issuer, DiscoveryTarget: issuer, ExpectedIssuer: issuer}, nil
	}
}

// Mode returns the configured discovery mode.
func (p *Policy) Mode() config.Mode {
	return p.mode
}

// Issuers returns the allow-list in sorted order.
func (p *Policy) Issuers() []string {
	out := make([]string, 0, len(p.allowed))
	for iss := range p.allowed {
		out = append(out, iss)
	}
	sort.Strings(out)
	return out
}

package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/krafton-hq/oidc-broker-auth/core"
)

const (
	wellKnownPath = "/.well-known/openid-configuration"

	// maxDocumentSize bounds the discovery document read from an issuer.
	maxDocumentSize = 1 << 20
)

// DiscoveryDocument holds the discovery metadata consumed by the key resolver.
type DiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`

	// SigningAlgorithms is informational; the validator enforces its own
	// configured algorithm set.
	SigningAlgorithms []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// WellKnownURL returns the discovery document location for issuerURL.
func WellKnownURL(issuerURL url.URL) url.URL {
	issuerURL.Path = strings.TrimSuffix(issuerURL.Path, "/") + wellKnownPath
	issuerURL.RawPath = ""
	return issuerURL
}

// GetWellKnownEndpointsFromIssuerURL gets the well known endpoints for the
// passed in issuer url and checks that the document declares expectedIssuer.
// The check stops a discovery target from vouching for keys of an issuer
// other than the one the token names.
func GetWellKnownEndpointsFromIssuerURL(
	ctx context.Context,
	client *http.Client,
	issuerURL url.URL,
	expectedIssuer string,
) (*DiscoveryDocument, error) {
	wellKnown := WellKnownURL(issuerURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not build request to get well-known endpoints: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch well-known endpoints from %s: %w", wellKnown.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, wellKnown.String())
	}

	var endpoints DiscoveryDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&endpoints); err != nil {
		return nil, fmt.Errorf("failed to decode JSON from %s: %w", wellKnown.String(), err)
	}

	if endpoints.Issuer == "" {
		return nil, fmt.Errorf("discovery document is missing required 'issuer' field")
	}
	if endpoints.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document is missing required 'jwks_uri' field")
	}
	if endpoints.Issuer != expectedIssuer {
		return nil, fmt.Errorf("issuer mismatch: discovery document declares %q, expected %q", endpoints.Issuer, expectedIssuer)
	}

	return &endpoints, nil
}

// Discover resolves the JWKS URI for expectedIssuer by fetching the discovery
// document of target. With requireHTTPS set, both target and the returned
// jwks_uri must use https. Every error wraps core.ErrDiscoveryFailed.
func Discover(
	ctx context.Context,
	client *http.Client,
	target string,
	expectedIssuer string,
	requireHTTPS bool,
) (*DiscoveryDocument, error) {
	targetURL, err := ParseHTTPURL(target, requireHTTPS)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery target: %w", core.ErrDiscoveryFailed, err)
	}

	endpoints, err := GetWellKnownEndpointsFromIssuerURL(ctx, client, *targetURL, expectedIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDiscoveryFailed, err)
	}

	if _, err := ParseHTTPURL(endpoints.JWKSURI, requireHTTPS); err != nil {
		return nil, fmt.Errorf("%w: jwks_uri: %w", core.ErrDiscoveryFailed, err)
	}
	return endpoints, nil
}

// ParseHTTPURL parses raw as an absolute http(s) URL. Plain http is refused
// when requireHTTPS is set.
func ParseHTTPURL(raw string, requireHTTPS bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q is not absolute", raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return nil, fmt.Errorf("URL %q must use https", raw)
		}
	default:
		return nil, fmt.Errorf("URL %q has unsupported scheme %q", raw, u.Scheme)
	}
	return u, nil
}

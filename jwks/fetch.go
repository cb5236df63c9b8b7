package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pquerna/cachecontrol/cacheobject"

	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/internal/oidc"
	"github.com/krafton-hq/oidc-broker-auth/trust"
)

const (
	// maxJWKSSize bounds a key set response. Real key sets are a few KiB.
	maxJWKSSize = 1 << 20

	// minTTL is the floor applied when a key set response forbids caching.
	minTTL = time.Second
)

// fetchKeySet loads the key set at uri. file:// URIs are read from disk;
// http(s) URIs are fetched with client. The returned duration is the
// Cache-Control lifetime, or -1 when the response did not carry one.
func fetchKeySet(ctx context.Context, client *http.Client, uri string, requireHTTPS bool) (jwk.Set, time.Duration, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid JWKS URI %q: %w", uri, err)
	}

	if u.Scheme == "file" {
		set, err := jwk.ReadFile(u.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read JWKS file %s: %w", u.Path, err)
		}
		set, err = ingest(set)
		return set, -1, err
	}

	if _, err := oidc.ParseHTTPURL(uri, requireHTTPS); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("request returned status %d, expected 200", resp.StatusCode)
	}

	set, err := jwk.ParseReader(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	if set, err = ingest(set); err != nil {
		return nil, 0, err
	}

	return set, cacheLifetime(resp.Header.Get("Cache-Control")), nil
}

// ingest reduces set to public keys and refuses symmetric material.
func ingest(set jwk.Set) (jwk.Set, error) {
	if set.Len() == 0 {
		return nil, fmt.Errorf("JWKS contains no keys")
	}
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		if key.KeyType() == jwa.OctetSeq {
			return nil, fmt.Errorf("JWKS contains a symmetric key")
		}
	}
	pub, err := jwk.PublicSetOf(set)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public keys: %w", err)
	}
	return pub, nil
}

// cacheLifetime returns the lifetime a Cache-Control header allows: zero for
// no-cache or no-store, max-age when present, and -1 otherwise.
func cacheLifetime(header string) time.Duration {
	if header == "" {
		return -1
	}
	cc, err := cacheobject.ParseResponseCacheControl(header)
	if err != nil {
		return -1
	}
	if cc.NoCachePresent || cc.NoStore {
		return 0
	}
	if cc.MaxAge < 0 {
		return -1
	}
	return time.Duration(cc.MaxAge) * time.Second
}

// effectiveTTL lowers configured to the response lifetime when the issuer
// asks for less, never below minTTL.
func effectiveTTL(configured, lifetime time.Duration) time.Duration {
	if lifetime < 0 || lifetime >= configured {
		return configured
	}
	if lifetime < minTTL {
		return minTTL
	}
	return lifetime
}

// discoverAndFetch resolves where the keys for issuer live and loads them.
func discoverAndFetch(ctx context.Context, client *http.Client, d trust.Decision, requireHTTPS bool) (jwk.Set, string, time.Duration, error) {
	jwksURI := d.JWKSURI
	if jwksURI == "" {
		doc, err := oidc.Discover(ctx, client, d.DiscoveryTarget, d.ExpectedIssuer, requireHTTPS)
		if err != nil {
			return nil, "", 0, err
		}
		jwksURI = doc.JWKSURI
	}

	set, lifetime, err := fetchKeySet(ctx, client, jwksURI, requireHTTPS)
	if err != nil {
		return nil, jwksURI, 0, fmt.Errorf("%w: could not fetch JWKS: %w", core.ErrDiscoveryFailed, err)
	}
	return set, jwksURI, lifetime, nil
}

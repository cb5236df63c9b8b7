package jwks

import (
	"fmt"
	"net/http"
	"time"
)

// ResolverOption is how options for the Resolver are set up.
type ResolverOption func(*Resolver) error

// WithHTTPClient sets the client used for discovery and JWKS requests.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) error {
		if c == nil {
			return fmt.Errorf("HTTP client cannot be nil")
		}
		r.httpClient = c
		return nil
	}
}

// WithCacheTTL sets how long a fetched key set is used before it is fetched
// again. A shorter Cache-Control max-age on the JWKS response wins.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		r.cacheTTL = ttl
		return nil
	}
}

// WithFetchTimeout bounds a single discovery and JWKS round trip.
func WithFetchTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) error {
		if d <= 0 {
			return fmt.Errorf("fetch timeout must be positive")
		}
		r.fetchTimeout = d
		return nil
	}
}

// WithMinRefreshInterval sets the minimum spacing between forced refetches
// of one issuer triggered by unknown key IDs. Zero disables the limit.
func WithMinRefreshInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) error {
		if d < 0 {
			return fmt.Errorf("refresh interval cannot be negative")
		}
		r.minRefreshInterval = d
		return nil
	}
}

// WithMaxIssuers bounds the number of issuers kept in memory. The least
// recently used issuer is evicted first. Zero means unbounded.
func WithMaxIssuers(n int) ResolverOption {
	return func(r *Resolver) error {
		if n < 0 {
			return fmt.Errorf("max issuers cannot be negative")
		}
		r.maxIssuers = n
		return nil
	}
}

// WithRequireHTTPS controls whether plain http discovery and JWKS endpoints
// are refused.
func WithRequireHTTPS(require bool) ResolverOption {
	return func(r *Resolver) error {
		r.requireHTTPS = require
		return nil
	}
}

// WithStore adds a second cache tier consulted before the network.
func WithStore(s Store) ResolverOption {
	return func(r *Resolver) error {
		if s == nil {
			return fmt.Errorf("store cannot be nil")
		}
		r.store = s
		return nil
	}
}

// WithFetchHook registers a callback invoked after every key set load.
func WithFetchHook(h FetchHook) ResolverOption {
	return func(r *Resolver) error {
		r.hook = h
		return nil
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		r.now = now
		return nil
	}
}

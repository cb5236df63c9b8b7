/*
Package jwks resolves token signing keys for trusted issuers.

A Resolver keeps one public key set per issuer. On a miss it discovers the
issuer's jwks_uri (unless the trust decision pins one), fetches the set and
caches it. Concurrent misses for the same issuer wait on a single fetch.

	resolver, err := jwks.NewResolver(
	    jwks.WithCacheTTL(5*time.Minute),
	    jwks.WithFetchTimeout(10*time.Second),
	    jwks.WithMaxIssuers(100),
	)

	decision, err := policy.Authorize(claims.Issuer)
	key, err := resolver.ResolveKey(ctx, decision, kid)

# Caching

Entries live for the configured TTL. A JWKS response with a shorter
Cache-Control max-age shortens it; no-cache and no-store shorten it to one
second. Longer max-age values are ignored.

When a token names a kid the cached set does not contain, the set is fetched
again once, unless the same call has just fetched it from the issuer. Plain
loads and forced refetches share one flight per issuer, so callers arriving
during a refetch wait for its result. A new forced refetch starts only once
WithMinRefreshInterval has passed since the previous one finished, so tokens
with random kids cannot drive traffic to the issuer.

# Shared tier

WithStore adds a cache consulted before the network. RedisStore shares sets
between broker instances:

	store := jwks.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), "oidcauth:jwks:")
	resolver, err := jwks.NewResolver(jwks.WithStore(store))

Store failures are reported to the fetch hook and otherwise ignored.

# Key material

Every set is reduced to public keys when ingested. Sets containing symmetric
keys are refused.
*/
package jwks

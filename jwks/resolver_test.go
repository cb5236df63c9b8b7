package jwks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/internal/oidctest"
	"github.com/krafton-hq/oidc-broker-auth/trust"
)

func decisionFor(iss *oidctest.Issuer) trust.Decision {
	return trust.Decision{Issuer: iss.URL(), DiscoveryTarget: iss.URL(), ExpectedIssuer: iss.URL()}
}

func newTestResolver(t *testing.T, iss *oidctest.Issuer, opts ...ResolverOption) *Resolver {
	t.Helper()
	base := []ResolverOption{
		WithHTTPClient(iss.Client()),
		WithRequireHTTPS(false),
	}
	r, err := NewResolver(append(base, opts...)...)
	require.NoError(t, err)
	return r
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func Test_Resolver(t *testing.T) {
	t.Run("It discovers and caches the key set", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		key, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.KeyID())

		_, err = r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		assert.Equal(t, 1, iss.DiscoveryRequests())
		assert.Equal(t, 1, iss.JWKSRequests())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("It never caches private key material", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		ks, err := r.KeySet(context.Background(), decisionFor(iss))
		require.NoError(t, err)

		key, ok := ks.Keys.Key(0)
		require.True(t, ok)
		_, isPrivate := key.(interface{ D() []byte })
		assert.False(t, isPrivate)
	})

	t.Run("It refetches once when the key id is unknown", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		iss.AddKey(t, jwa.ES256, "key-2")

		key, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-2")
		require.NoError(t, err)
		assert.Equal(t, "key-2", key.KeyID())
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It reports an unknown key after exactly one refetch", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		_, err = r.ResolveKey(context.Background(), decisionFor(iss), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrUnknownKey)
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It does not refetch a key set it has just fetched", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "missing")
		assert.ErrorIs(t, err, core.ErrUnknownKey)
		assert.Equal(t, 1, iss.DiscoveryRequests())
		assert.Equal(t, 1, iss.JWKSRequests())
	})

	t.Run("It refetches a key set served from the shared tier", func(t *testing.T) {
		_, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)

		first := newTestResolver(t, iss, WithStore(NewRedisStore(client, "shared:")))
		_, err := first.KeySet(context.Background(), decisionFor(iss))
		require.NoError(t, err)

		iss.AddKey(t, jwa.ES256, "key-2")
		second := newTestResolver(t, iss, WithStore(NewRedisStore(client, "shared:")))
		key, err := second.ResolveKey(context.Background(), decisionFor(iss), "key-2")
		require.NoError(t, err)
		assert.Equal(t, "key-2", key.KeyID())
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It rate limits forced refetches per issuer", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		clock := newFakeClock()
		r := newTestResolver(t, iss, WithClock(clock.Now), WithMinRefreshInterval(time.Minute))

		for i := 0; i < 5; i++ {
			_, err := r.ResolveKey(context.Background(), decisionFor(iss), "missing")
			assert.ErrorIs(t, err, core.ErrUnknownKey)
		}
		assert.Equal(t, 2, iss.JWKSRequests())

		clock.Advance(2 * time.Minute)
		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "missing")
		assert.ErrorIs(t, err, core.ErrUnknownKey)
		assert.Equal(t, 3, iss.JWKSRequests())
	})

	t.Run("It uses the only key when the token has no kid", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		key, err := r.ResolveKey(context.Background(), decisionFor(iss), "")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.KeyID())
	})

	t.Run("It refuses to guess without a kid when several keys exist", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.AddKey(t, jwa.RS256, "key-2")
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "")
		assert.ErrorIs(t, err, core.ErrUnknownKey)
	})

	t.Run("It refetches after the TTL expires", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		clock := newFakeClock()
		r := newTestResolver(t, iss, WithClock(clock.Now), WithCacheTTL(time.Minute))

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		_, err = r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, 1, iss.JWKSRequests())

		clock.Advance(31 * time.Second)
		_, err = r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It lowers the TTL to a shorter Cache-Control max-age", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetCacheControl("public, max-age=10")
		clock := newFakeClock()
		r := newTestResolver(t, iss, WithClock(clock.Now), WithCacheTTL(time.Hour))

		ks, err := r.KeySet(context.Background(), decisionFor(iss))
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, ks.ExpiresAt.Sub(ks.FetchedAt))
	})

	t.Run("It keeps the configured TTL when max-age is longer", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetCacheControl("max-age=86400")
		clock := newFakeClock()
		r := newTestResolver(t, iss, WithClock(clock.Now), WithCacheTTL(time.Minute))

		ks, err := r.KeySet(context.Background(), decisionFor(iss))
		require.NoError(t, err)
		assert.Equal(t, time.Minute, ks.ExpiresAt.Sub(ks.FetchedAt))
	})

	t.Run("It surfaces discovery failures", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetDiscoveryFailure(true)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		assert.ErrorIs(t, err, core.ErrDiscoveryFailed)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("It surfaces JWKS failures", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetJWKSFailure(true)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		assert.ErrorIs(t, err, core.ErrDiscoveryFailed)
	})

	t.Run("It rejects a discovery document naming another issuer", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetDeclaredIssuer("https://attacker.example.net")
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		assert.ErrorIs(t, err, core.ErrDiscoveryFailed)
		assert.Equal(t, 0, iss.JWKSRequests())
	})

	t.Run("It loads a pinned JWKS without discovery", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		d := trust.Decision{Issuer: iss.URL(), ExpectedIssuer: iss.URL(), JWKSURI: iss.URL() + oidctest.JWKSPath}
		_, err := r.ResolveKey(context.Background(), d, "key-1")
		require.NoError(t, err)
		assert.Equal(t, 0, iss.DiscoveryRequests())
		assert.Equal(t, 1, iss.JWKSRequests())
	})

	t.Run("It loads a pinned file JWKS", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		uri := iss.WriteJWKSFile(t, t.TempDir())
		r := newTestResolver(t, iss)

		d := trust.Decision{Issuer: "kubernetes/serviceaccount", ExpectedIssuer: "kubernetes/serviceaccount", JWKSURI: uri}
		key, err := r.ResolveKey(context.Background(), d, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.KeyID())
		assert.Equal(t, 0, iss.JWKSRequests())
	})

	t.Run("It invalidates an issuer", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss)

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		require.NoError(t, r.Invalidate(context.Background(), iss.URL()))
		assert.Equal(t, 0, r.Len())

		_, err = r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It evicts the least recently used issuer", func(t *testing.T) {
		a := oidctest.NewIssuer(t)
		b := oidctest.NewIssuer(t)
		c := oidctest.NewIssuer(t)
		r := newTestResolver(t, a, WithMaxIssuers(2))

		ctx := context.Background()
		_, err := r.KeySet(ctx, decisionFor(a))
		require.NoError(t, err)
		_, err = r.KeySet(ctx, decisionFor(b))
		require.NoError(t, err)
		_, err = r.KeySet(ctx, decisionFor(a))
		require.NoError(t, err)

		_, err = r.KeySet(ctx, decisionFor(c))
		require.NoError(t, err)
		assert.Equal(t, 2, r.Len())

		_, err = r.KeySet(ctx, decisionFor(a))
		require.NoError(t, err)
		assert.Equal(t, 1, a.JWKSRequests(), "a was recently used and must survive")

		_, err = r.KeySet(ctx, decisionFor(b))
		require.NoError(t, err)
		assert.Equal(t, 2, b.JWKSRequests(), "b was evicted and must be refetched")
	})

	t.Run("It reports loads to the fetch hook", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		var mu sync.Mutex
		var results []FetchResult
		r := newTestResolver(t, iss, WithFetchHook(func(_ string, result FetchResult, _ error) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
		}))

		_, err := r.KeySet(context.Background(), decisionFor(iss))
		require.NoError(t, err)

		iss.SetDiscoveryFailure(true)
		require.NoError(t, r.Invalidate(context.Background(), iss.URL()))
		_, err = r.KeySet(context.Background(), decisionFor(iss))
		require.Error(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []FetchResult{FetchFromNetwork, FetchFailed}, results)
	})
}

func Test_ResolverConcurrency(t *testing.T) {
	t.Run("It coalesces concurrent misses into one fetch", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetDelay(100 * time.Millisecond)
		r := newTestResolver(t, iss)

		const callers = 50
		var wg sync.WaitGroup
		var failures int32
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1"); err != nil {
					atomic.AddInt32(&failures, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(0), atomic.LoadInt32(&failures))
		assert.Equal(t, 1, iss.DiscoveryRequests())
		assert.Equal(t, 1, iss.JWKSRequests())
	})

	t.Run("It lets concurrent callers share the refetch for a rotated key", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		r := newTestResolver(t, iss, WithMinRefreshInterval(time.Minute))

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		iss.AddKey(t, jwa.ES256, "key-2")
		iss.SetDelay(100 * time.Millisecond)

		const callers = 20
		var wg sync.WaitGroup
		var failures int32
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				key, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-2")
				if err != nil || key.KeyID() != "key-2" {
					atomic.AddInt32(&failures, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(0), atomic.LoadInt32(&failures))
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It runs one fetch per issuer across refetches and reloads", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		clock := newFakeClock()
		r := newTestResolver(t, iss, WithClock(clock.Now), WithCacheTTL(time.Minute))

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		iss.SetDelay(300 * time.Millisecond)

		var wg sync.WaitGroup
		var refreshErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, refreshErr = r.ResolveKey(context.Background(), decisionFor(iss), "bogus")
		}()
		require.Eventually(t, func() bool { return iss.DiscoveryRequests() == 2 }, time.Second, 5*time.Millisecond)

		clock.Advance(2 * time.Minute)
		key, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.KeyID())

		wg.Wait()
		assert.ErrorIs(t, refreshErr, core.ErrUnknownKey)
		assert.Equal(t, 2, iss.DiscoveryRequests())
		assert.Equal(t, 2, iss.JWKSRequests())
	})

	t.Run("It does not let one cancelled caller fail the shared fetch", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetDelay(200 * time.Millisecond)
		r := newTestResolver(t, iss)

		cancelled, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		var wg sync.WaitGroup
		var patientErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, patientErr = r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		}()

		_, err := r.ResolveKey(cancelled, decisionFor(iss), "key-1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, core.ErrDiscoveryFailed)

		wg.Wait()
		assert.NoError(t, patientErr)
		assert.Equal(t, 1, iss.JWKSRequests())
	})

	t.Run("It bounds the shared fetch by the fetch timeout", func(t *testing.T) {
		iss := oidctest.NewIssuer(t)
		iss.SetDelay(500 * time.Millisecond)
		r := newTestResolver(t, iss, WithFetchTimeout(50*time.Millisecond))

		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		assert.ErrorIs(t, err, core.ErrDiscoveryFailed)
	})
}

func TestNewResolverOptions(t *testing.T) {
	testCases := []struct {
		name string
		opt  ResolverOption
	}{
		{name: "nil client", opt: WithHTTPClient(nil)},
		{name: "zero ttl", opt: WithCacheTTL(0)},
		{name: "zero timeout", opt: WithFetchTimeout(0)},
		{name: "negative refresh", opt: WithMinRefreshInterval(-time.Second)},
		{name: "negative max", opt: WithMaxIssuers(-1)},
		{name: "nil store", opt: WithStore(nil)},
		{name: "nil clock", opt: WithClock(nil)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewResolver(tc.opt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid option")
		})
	}
}

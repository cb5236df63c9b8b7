package jwks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krafton-hq/oidc-broker-auth/internal/oidctest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("It round trips a key set with its expiry", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)
		store := NewRedisStore(client, "test:")

		now := time.Now().Truncate(time.Second)
		ks := &KeySet{
			Issuer:    iss.URL(),
			JWKSURI:   iss.URL() + oidctest.JWKSPath,
			Keys:      iss.PublicSet(t),
			FetchedAt: now,
			ExpiresAt: now.Add(time.Minute),
		}
		require.NoError(t, store.Set(ctx, ks))
		assert.True(t, mr.Exists("test:"+iss.URL()))
		assert.InDelta(t, time.Minute.Seconds(), mr.TTL("test:"+iss.URL()).Seconds(), 2)

		got, err := store.Get(ctx, iss.URL())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ks.JWKSURI, got.JWKSURI)
		assert.True(t, ks.ExpiresAt.Equal(got.ExpiresAt))
		_, ok := got.Lookup("key-1")
		assert.True(t, ok)
	})

	t.Run("It reports a miss as nil", func(t *testing.T) {
		_, client := newTestRedis(t)
		store := NewRedisStore(client, "test:")

		got, err := store.Get(ctx, "https://absent.example.com")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("It expires entries with Redis", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)
		store := NewRedisStore(client, "test:")

		now := time.Now()
		require.NoError(t, store.Set(ctx, &KeySet{
			Issuer: iss.URL(), Keys: iss.PublicSet(t), FetchedAt: now, ExpiresAt: now.Add(10 * time.Second),
		}))
		mr.FastForward(11 * time.Second)

		got, err := store.Get(ctx, iss.URL())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("It skips entries that already expired", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)
		store := NewRedisStore(client, "test:")

		past := time.Now().Add(-time.Minute)
		require.NoError(t, store.Set(ctx, &KeySet{Issuer: iss.URL(), Keys: iss.PublicSet(t), ExpiresAt: past}))
		assert.False(t, mr.Exists("test:"+iss.URL()))
	})

	t.Run("It rejects corrupt entries", func(t *testing.T) {
		mr, client := newTestRedis(t)
		store := NewRedisStore(client, "test:")
		require.NoError(t, mr.Set("test:https://a.example.com", "not json"))

		_, err := store.Get(ctx, "https://a.example.com")
		assert.Error(t, err)
	})

	t.Run("It rejects entries stored for another issuer", func(t *testing.T) {
		mr, client := newTestRedis(t)
		store := NewRedisStore(client, "test:")
		require.NoError(t, mr.Set("test:https://a.example.com", `{"issuer":"https://b.example.com","keys":{"keys":[]}}`))

		_, err := store.Get(ctx, "https://a.example.com")
		assert.Error(t, err)
	})

	t.Run("It deletes entries", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)
		store := NewRedisStore(client, "test:")

		now := time.Now()
		require.NoError(t, store.Set(ctx, &KeySet{Issuer: iss.URL(), Keys: iss.PublicSet(t), ExpiresAt: now.Add(time.Minute)}))
		require.NoError(t, store.Delete(ctx, iss.URL()))
		assert.False(t, mr.Exists("test:"+iss.URL()))
	})
}

func TestResolverWithRedisStore(t *testing.T) {
	t.Run("It serves a second resolver from the shared tier", func(t *testing.T) {
		_, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)

		first := newTestResolver(t, iss, WithStore(NewRedisStore(client, "shared:")))
		_, err := first.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)

		var results []FetchResult
		second := newTestResolver(t, iss,
			WithStore(NewRedisStore(client, "shared:")),
			WithFetchHook(func(_ string, result FetchResult, _ error) { results = append(results, result) }),
		)
		key, err := second.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.KeyID())

		assert.Equal(t, 1, iss.DiscoveryRequests())
		assert.Equal(t, 1, iss.JWKSRequests())
		assert.Equal(t, []FetchResult{FetchFromStore}, results)
	})

	t.Run("It falls back to the network when Redis is down", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)
		mr.Close()

		r := newTestResolver(t, iss, WithStore(NewRedisStore(client, "shared:")))
		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		assert.Equal(t, 1, iss.JWKSRequests())
	})

	t.Run("It clears the shared tier on invalidate", func(t *testing.T) {
		mr, client := newTestRedis(t)
		iss := oidctest.NewIssuer(t)

		r := newTestResolver(t, iss, WithStore(NewRedisStore(client, "shared:")))
		_, err := r.ResolveKey(context.Background(), decisionFor(iss), "key-1")
		require.NoError(t, err)
		require.True(t, mr.Exists("shared:"+iss.URL()))

		require.NoError(t, r.Invalidate(context.Background(), iss.URL()))
		assert.False(t, mr.Exists("shared:"+iss.URL()))
	})
}

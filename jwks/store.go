package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/redis/go-redis/v9"
)

// Store is an optional second cache tier shared between processes. A miss is
// reported as (nil, nil).
type Store interface {
	Get(ctx context.Context, issuer string) (*KeySet, error)
	Set(ctx context.Context, ks *KeySet) error
	Delete(ctx context.Context, issuer string) error
}

// RedisStore keeps key sets in Redis under prefix+issuer with a native
// expiry equal to the entry's remaining lifetime.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

type storedKeySet struct {
	Issuer    string          `json:"issuer"`
	JWKSURI   string          `json:"jwks_uri"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Keys      json.RawMessage `json:"keys"`
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, issuer string) (*KeySet, error) {
	raw, err := s.client.Get(ctx, s.prefix+issuer).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var stored storedKeySet
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored key set: %w", err)
	}
	if stored.Issuer != issuer {
		return nil, fmt.Errorf("stored key set belongs to %q", stored.Issuer)
	}

	set, err := jwk.Parse(stored.Keys)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored JWKS: %w", err)
	}
	if set, err = ingest(set); err != nil {
		return nil, err
	}

	return &KeySet{
		Issuer:    stored.Issuer,
		JWKSURI:   stored.JWKSURI,
		Keys:      set,
		FetchedAt: stored.FetchedAt,
		ExpiresAt: stored.ExpiresAt,
	}, nil
}

// Set implements Store. Entries that are already expired are not written.
func (s *RedisStore) Set(ctx context.Context, ks *KeySet) error {
	ttl := ks.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	keys, err := json.Marshal(ks.Keys)
	if err != nil {
		return fmt.Errorf("failed to encode JWKS: %w", err)
	}
	buf, err := json.Marshal(storedKeySet{
		Issuer:    ks.Issuer,
		JWKSURI:   ks.JWKSURI,
		FetchedAt: ks.FetchedAt,
		ExpiresAt: ks.ExpiresAt,
		Keys:      keys,
	})
	if err != nil {
		return fmt.Errorf("failed to encode key set: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+ks.Issuer, buf, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, issuer string) error {
	if err := s.client.Del(ctx, s.prefix+issuer).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

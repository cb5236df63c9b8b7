package jwks

import (
	"container/list"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/trust"
)

// KeySet is the cached public key set of one issuer.
type KeySet struct {
	Issuer    string
	JWKSURI   string
	Keys      jwk.Set
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Lookup returns the key with kid. Without a kid the set must hold exactly
// one key.
func (ks *KeySet) Lookup(kid string) (jwk.Key, bool) {
	if kid == "" {
		if ks.Keys.Len() != 1 {
			return nil, false
		}
		return ks.Keys.Key(0)
	}
	return ks.Keys.LookupKeyID(kid)
}

// FetchResult labels the outcome reported to a FetchHook.
type FetchResult string

const (
	FetchFromNetwork FetchResult = "network"
	FetchFromStore   FetchResult = "store"
	FetchFailed      FetchResult = "error"
)

// FetchHook observes every key set load. err is non-nil only for FetchFailed.
type FetchHook func(issuer string, result FetchResult, err error)

type entry struct {
	set        *KeySet
	lruElement *list.Element
}

// Resolver caches key sets per issuer and resolves signing keys by kid.
// Concurrent misses for the same issuer share a single fetch. It is safe for
// concurrent use.
type Resolver struct {
	httpClient         *http.Client
	cacheTTL           time.Duration
	fetchTimeout       time.Duration
	minRefreshInterval time.Duration
	maxIssuers         int
	requireHTTPS       bool
	store              Store
	hook               FetchHook
	now                func() time.Time

	mu          sync.RWMutex
	entries     map[string]*entry
	lruList     *list.List
	lastRefresh map[string]time.Time

	group singleflight.Group
}

// NewResolver builds a Resolver.
//
// Optional options:
//   - WithHTTPClient: client for discovery and JWKS requests
//   - WithCacheTTL: key set lifetime (default 5 minutes)
//   - WithFetchTimeout: bound on one discovery + JWKS round (default 10s)
//   - WithMinRefreshInterval: spacing of forced refetches per issuer (default 5s)
//   - WithMaxIssuers: LRU bound on cached issuers (default unbounded)
//   - WithStore: second cache tier, e.g. NewRedisStore
//   - WithRequireHTTPS: refuse plain http endpoints (default true)
//   - WithFetchHook, WithClock
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		httpClient:         &http.Client{Timeout: 30 * time.Second},
		cacheTTL:           5 * time.Minute,
		fetchTimeout:       10 * time.Second,
		minRefreshInterval: 5 * time.Second,
		requireHTTPS:       true,
		now:                time.Now,
		entries:            make(map[string]*entry),
		lruList:            list.New(),
		lastRefresh:        make(map[string]time.Time),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return r, nil
}

// ResolveKey returns the verification key kid of the issuer described by d.
// An unknown kid triggers at most one forced refetch, skipped when this call
// has just fetched the set from the issuer. Callers share whatever fetch is in
// flight for the issuer. Errors wrap core.ErrDiscoveryFailed or
// core.ErrUnknownKey.
func (r *Resolver) ResolveKey(ctx context.Context, d trust.Decision, kid string) (jwk.Key, error) {
	var fresh bool
	ks, ok := r.cached(d.Issuer)
	if !ok {
		f, err := r.load(ctx, d, false)
		if err != nil {
			return nil, err
		}
		ks, fresh = f.set, f.network
	}
	if key, ok := ks.Lookup(kid); ok {
		return key, nil
	}
	if fresh {
		return nil, fmt.Errorf("%w: kid %q not in key set of %s", core.ErrUnknownKey, kid, d.Issuer)
	}

	f, err := r.load(ctx, d, true)
	if err != nil {
		return nil, err
	}
	if key, ok := f.set.Lookup(kid); ok {
		return key, nil
	}
	if !f.forced && !f.network {
		// Joined a plain load that was served without contacting the issuer.
		if f, err = r.load(ctx, d, true); err != nil {
			return nil, err
		}
		if key, ok := f.set.Lookup(kid); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q not in refreshed key set of %s", core.ErrUnknownKey, kid, d.Issuer)
}

// KeySet returns the current key set of d.Issuer, loading it when missing or
// expired.
func (r *Resolver) KeySet(ctx context.Context, d trust.Decision) (*KeySet, error) {
	if ks, ok := r.cached(d.Issuer); ok {
		return ks, nil
	}
	f, err := r.load(ctx, d, false)
	if err != nil {
		return nil, err
	}
	return f.set, nil
}

// Invalidate drops the cached key set of issuer from both tiers.
func (r *Resolver) Invalidate(ctx context.Context, issuer string) error {
	r.mu.Lock()
	r.remove(issuer)
	delete(r.lastRefresh, issuer)
	r.mu.Unlock()

	if r.store != nil {
		return r.store.Delete(ctx, issuer)
	}
	return nil
}

// Len returns the number of issuers currently cached in memory.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Resolver) cached(issuer string) (*KeySet, bool) {
	now := r.now()

	r.mu.RLock()
	e, ok := r.entries[issuer]
	if !ok || !now.Before(e.set.ExpiresAt) {
		r.mu.RUnlock()
		return nil, false
	}
	ks := e.set
	r.mu.RUnlock()

	if r.maxIssuers > 0 {
		r.mu.Lock()
		if e.lruElement != nil {
			r.lruList.MoveToFront(e.lruElement)
		}
		r.mu.Unlock()
	}
	return ks, true
}

// refreshAllowed reports whether minRefreshInterval has passed since the
// last forced refetch of issuer finished.
func (r *Resolver) refreshAllowed(issuer string) bool {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	last, ok := r.lastRefresh[issuer]
	return !ok || now.Sub(last) >= r.minRefreshInterval
}

// flight is the outcome of one load, shared by every caller that joined it.
type flight struct {
	set *KeySet

	// network is set when the set was fetched from the issuer by this load.
	network bool

	// forced is set when the load was a forced refetch, whether or not the
	// rate limit let it reach the issuer.
	forced bool
}

// load runs at most one load per issuer at a time; forced and plain loads
// share the same flight. The load runs under its own context bounded by
// fetchTimeout, so a caller that gives up does not cancel it for the others.
func (r *Resolver) load(ctx context.Context, d trust.Decision, force bool) (*flight, error) {
	ch := r.group.DoChan(d.Issuer, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
		defer cancel()
		return r.fetch(fetchCtx, d, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*flight), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for key set of %s: %w", core.ErrDiscoveryFailed, d.Issuer, ctx.Err())
	}
}

func (r *Resolver) fetch(ctx context.Context, d trust.Decision, force bool) (*flight, error) {
	if force {
		if ks, ok := r.cached(d.Issuer); ok && !r.refreshAllowed(d.Issuer) {
			return &flight{set: ks, forced: true}, nil
		}
		defer func() {
			r.mu.Lock()
			r.lastRefresh[d.Issuer] = r.now()
			r.mu.Unlock()
		}()
	} else {
		// Another flight may have finished between the cache check and here.
		if ks, ok := r.cached(d.Issuer); ok {
			return &flight{set: ks}, nil
		}
		if ks := r.fromStore(ctx, d.Issuer); ks != nil {
			r.put(ks)
			r.observe(d.Issuer, FetchFromStore, nil)
			return &flight{set: ks}, nil
		}
	}

	set, jwksURI, lifetime, err := discoverAndFetch(ctx, r.httpClient, d, r.requireHTTPS)
	if err != nil {
		r.observe(d.Issuer, FetchFailed, err)
		return nil, err
	}

	now := r.now()
	ks := &KeySet{
		Issuer:    d.Issuer,
		JWKSURI:   jwksURI,
		Keys:      set,
		FetchedAt: now,
		ExpiresAt: now.Add(effectiveTTL(r.cacheTTL, lifetime)),
	}
	r.put(ks)
	r.observe(d.Issuer, FetchFromNetwork, nil)

	if r.store != nil {
		if err := r.store.Set(ctx, ks); err != nil {
			r.observe(d.Issuer, FetchFailed, fmt.Errorf("store write: %w", err))
		}
	}
	return &flight{set: ks, network: true, forced: force}, nil
}

func (r *Resolver) fromStore(ctx context.Context, issuer string) *KeySet {
	if r.store == nil {
		return nil
	}
	ks, err := r.store.Get(ctx, issuer)
	if err != nil {
		r.observe(issuer, FetchFailed, fmt.Errorf("store read: %w", err))
		return nil
	}
	if ks == nil || !r.now().Before(ks.ExpiresAt) {
		return nil
	}
	return ks
}

func (r *Resolver) put(ks *KeySet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ks.Issuer]; ok {
		e.set = ks
		r.lruList.MoveToFront(e.lruElement)
		return
	}

	if r.maxIssuers > 0 && len(r.entries) >= r.maxIssuers {
		r.evictLRU()
	}
	r.entries[ks.Issuer] = &entry{set: ks, lruElement: r.lruList.PushFront(ks.Issuer)}
}

// evictLRU removes the least recently used issuer. Must be called with the
// write lock held.
func (r *Resolver) evictLRU() {
	oldest := r.lruList.Back()
	if oldest == nil {
		return
	}
	r.remove(oldest.Value.(string))
}

func (r *Resolver) remove(issuer string) {
	e, ok := r.entries[issuer]
	if !ok {
		return
	}
	r.lruList.Remove(e.lruElement)
	delete(r.entries, issuer)
}

func (r *Resolver) observe(issuer string, result FetchResult, err error) {
	if r.hook != nil {
		r.hook(issuer, result, err)
	}
}

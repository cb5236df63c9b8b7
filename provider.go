package oidcauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/jwks"
	"github.com/krafton-hq/oidc-broker-auth/trust"
	"github.com/krafton-hq/oidc-broker-auth/validator"
)

const (
	// AuthMethod is the name the broker registers this provider under.
	AuthMethod = "token"

	bearerPrefix = "Bearer "
)

var (
	ErrAlreadyInitialized = errors.New("provider already initialized")
	ErrProviderClosed     = errors.New("provider closed")
)

// Result is delivered on the channel returned by Authenticate. Exactly one
// of Principal and Err is set; Err is always a *core.AuthError.
type Result struct {
	Principal *core.Principal
	Err       error
}

// Provider authenticates broker connections presenting an OpenID Connect
// token. Call Initialize once, then Authenticate from any number of
// goroutines.
type Provider struct {
	logger     Logger
	metrics    Metrics
	tracer     Tracer
	httpClient *http.Client
	redis      redis.UniversalClient
	source     trust.Source
	now        func() time.Time

	initMu sync.Mutex
	closed bool
	owned  redis.UniversalClient
	state  atomic.Pointer[state]
}

// state is everything Initialize builds. It is never mutated once published.
type state struct {
	cfg       *config.TrustConfiguration
	policy    *trust.Policy
	resolver  *jwks.Resolver
	validator *validator.Validator
}

// New constructs a Provider. It performs no I/O; configuration is read by
// Initialize.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		logger:  NewDefaultLogger(),
		metrics: &NoopMetrics{},
		tracer:  &NoopTracer{},
		now:     time.Now,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return p, nil
}

// AuthMethodName returns the authentication method name, "token".
func (p *Provider) AuthMethodName() string {
	return AuthMethod
}

// Initialize parses props, loads the trusted issuers and builds the key
// resolver and validator. It succeeds at most once. A failed call leaves the
// provider uninitialized and may be retried.
func (p *Provider) Initialize(ctx context.Context, props map[string]string) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}
	if p.state.Load() != nil {
		return ErrAlreadyInitialized
	}

	st, owned, err := p.build(ctx, props)
	if err != nil {
		p.logger.Errorf("initialization failed: %v", err)
		return core.NewAuthError(core.CodeConfigInvalid, "initialization failed", err)
	}

	p.owned = owned
	p.state.Store(st)
	p.logger.Infof("initialized: mode=%s trusted_issuers=%d audiences=%d empty_aud_issuers=%d",
		st.policy.Mode(), len(st.policy.Issuers()), len(st.cfg.AllowedAudiences), len(st.cfg.EmptyAudienceIssuers))
	return nil
}

func (p *Provider) build(ctx context.Context, props map[string]string) (*state, redis.UniversalClient, error) {
	cfg, err := config.Parse(props)
	if err != nil {
		return nil, nil, err
	}

	client := p.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	src := p.source
	if src == nil {
		src = trust.SourceFromConfig(cfg, client)
	}
	loadCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()
	policy, err := trust.Load(loadCtx, cfg, src)
	if err != nil {
		return nil, nil, err
	}

	resolverOpts := []jwks.ResolverOption{
		jwks.WithHTTPClient(client),
		jwks.WithCacheTTL(cfg.CacheTTL),
		jwks.WithFetchTimeout(cfg.HTTPTimeout),
		jwks.WithMinRefreshInterval(cfg.KeyRefreshMinInterval),
		jwks.WithMaxIssuers(cfg.MaxCachedIssuers),
		jwks.WithRequireHTTPS(cfg.RequireHTTPS),
		jwks.WithFetchHook(p.observeFetch),
		jwks.WithClock(p.now),
	}

	var owned redis.UniversalClient
	rc := p.redis
	if rc == nil && cfg.RedisAddress != "" {
		rc = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddress,
			DialTimeout:  cfg.HTTPTimeout,
			ReadTimeout:  cfg.HTTPTimeout,
			WriteTimeout: cfg.HTTPTimeout,
		})
		owned = rc
	}
	if rc != nil {
		resolverOpts = append(resolverOpts, jwks.WithStore(jwks.NewRedisStore(rc, cfg.RedisKeyPrefix)))
	}

	fail := func(err error) (*state, redis.UniversalClient, error) {
		if owned != nil {
			_ = owned.Close()
		}
		return nil, nil, fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}

	resolver, err := jwks.NewResolver(resolverOpts...)
	if err != nil {
		return fail(err)
	}

	v, err := validator.NewFromConfig(cfg, policy, resolver, validator.WithClock(p.now))
	if err != nil {
		return fail(err)
	}

	return &state{cfg: cfg, policy: policy, resolver: resolver, validator: v}, owned, nil
}

// Authenticate validates credential without blocking the caller. The
// returned channel receives exactly one Result and is then closed.
func (p *Provider) Authenticate(ctx context.Context, credential []byte) <-chan Result {
	raw := string(credential)
	out := make(chan Result, 1)

	go func() {
		defer close(out)
		principal, err := p.authenticate(ctx, raw)
		out <- Result{Principal: principal, Err: err}
	}()

	return out
}

// AuthenticateSync is Authenticate for callers that want to wait.
func (p *Provider) AuthenticateSync(ctx context.Context, credential []byte) (*core.Principal, error) {
	res := <-p.Authenticate(ctx, credential)
	return res.Principal, res.Err
}

func (p *Provider) authenticate(ctx context.Context, raw string) (principal *core.Principal, err error) {
	start := time.Now()
	ctx, span := p.tracer.StartSpan(ctx, "oidcauth.Authenticate")
	defer span.Finish()

	defer func() {
		result := resultSuccess
		if err != nil {
			result = string(core.CodeOf(err))
			span.SetError(err)
		}
		span.SetTag(labelResult, result)
		p.metrics.IncCounter(MetricAuthentications, map[string]string{labelResult: result})
		p.metrics.ObserveHistogram(MetricAuthenticationTime, time.Since(start).Seconds(), nil)
	}()

	st := p.state.Load()
	if st == nil {
		return nil, core.NewAuthError(core.CodeNotInitialized, "provider is not initialized", nil)
	}

	principal, err = st.validator.Validate(ctx, extractToken(raw))
	p.metrics.SetGauge(MetricCachedIssuers, float64(st.resolver.Len()), nil)
	if err != nil {
		authErr := core.Classify(err)
		if authErr.Code == core.CodeDiscoveryFailed {
			p.logger.Warnf("authentication failed: %v", authErr)
		} else {
			p.logger.Debugf("authentication rejected (%s): %v", authErr.Code, authErr)
		}
		return nil, authErr
	}

	span.SetTag("issuer", principal.Issuer)
	p.logger.Debugf("authenticated %q issued by %s", principal.Subject, principal.Issuer)
	return principal, nil
}

// Invalidate drops the cached key set of issuer, so the next token from it
// triggers a fresh fetch.
func (p *Provider) Invalidate(ctx context.Context, issuer string) error {
	st := p.state.Load()
	if st == nil {
		return core.NewAuthError(core.CodeNotInitialized, "provider is not initialized", nil)
	}
	return st.resolver.Invalidate(ctx, issuer)
}

// Close releases the Redis client the provider created, if any. Later
// Authenticate calls fail with CodeNotInitialized.
func (p *Provider) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.state.Store(nil)

	if p.owned != nil {
		err := p.owned.Close()
		p.owned = nil
		return err
	}
	return nil
}

// extractToken trims whitespace and an optional "Bearer " prefix.
func extractToken(credential string) string {
	token := strings.TrimSpace(credential)
	if len(token) >= len(bearerPrefix) && strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	return token
}

func (p *Provider) observeFetch(issuer string, result jwks.FetchResult, err error) {
	p.metrics.IncCounter(MetricJWKSFetches, map[string]string{labelResult: string(result)})
	if err != nil {
		p.logger.Warnf("key set load for %s failed: %v", issuer, err)
		return
	}
	p.logger.Debugf("key set for %s loaded from %s", issuer, result)
}

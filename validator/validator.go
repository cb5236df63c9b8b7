package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/trust"
)

// IssuerPolicy authorizes a token's issuer without network access.
type IssuerPolicy interface {
	Authorize(issuer string) (trust.Decision, error)
}

// KeyResolver finds the verification key for a trusted issuer.
type KeyResolver interface {
	ResolveKey(ctx context.Context, d trust.Decision, kid string) (jwk.Key, error)
}

// Validator checks compact JWS bearer tokens and produces a Principal.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	policy              IssuerPolicy                // Required for Validate.
	keys                KeyResolver                 // Required for Validate.
	algorithms          map[SignatureAlgorithm]bool // Defaults to every asymmetric algorithm.
	audiences           map[string]struct{}
	emptyAudIssuers     map[string]struct{}
	emptyAudArrayPolicy config.EmptyAudArrayPolicy
	allowedClockSkew    time.Duration
	requireExpiration   bool
	roleClaim           string
	now                 func() time.Time
}

// New sets up a new Validator.
//
// Validate needs WithIssuerPolicy and WithKeyResolver; VerifyWithKey works
// without them. Tokens without an aud claim are rejected unless their issuer
// is listed with WithEmptyAudienceIssuers.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{
		algorithms:          make(map[SignatureAlgorithm]bool, len(asymmetricAlgorithms)),
		audiences:           map[string]struct{}{},
		emptyAudIssuers:     map[string]struct{}{},
		emptyAudArrayPolicy: config.EmptyAudArrayReject,
		requireExpiration:   true,
		roleClaim:           config.DefaultRoleClaim,
		now:                 time.Now,
	}
	for alg := range asymmetricAlgorithms {
		v.algorithms[alg] = true
	}

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return v, nil
}

// NewFromConfig builds a Validator from a parsed configuration. policy and
// keys may be nil for a Validator used only through VerifyWithKey. opts are
// applied after the configuration.
func NewFromConfig(cfg *config.TrustConfiguration, policy IssuerPolicy, keys KeyResolver, opts ...Option) (*Validator, error) {
	algs := make([]SignatureAlgorithm, 0, len(cfg.Algorithms))
	for _, alg := range cfg.Algorithms {
		algs = append(algs, SignatureAlgorithm(alg))
	}

	base := []Option{
		WithAlgorithms(algs...),
		WithAudiences(cfg.AllowedAudiences),
		WithEmptyAudienceIssuers(cfg.EmptyAudienceIssuers),
		WithEmptyAudArrayPolicy(cfg.EmptyAudArrayPolicy),
		WithAllowedClockSkew(cfg.ClockSkew),
		WithRequireExpiration(cfg.RequireExpiration),
		WithRoleClaim(cfg.RoleClaim),
	}
	if policy != nil {
		base = append(base, WithIssuerPolicy(policy))
	}
	if keys != nil {
		base = append(base, WithKeyResolver(keys))
	}

	return New(append(base, opts...)...)
}

// Validate runs the full pipeline: parse, authorize the issuer, resolve the
// key, verify the signature, then check times and audience. The first
// failing step decides the returned *core.AuthError.
func (v *Validator) Validate(ctx context.Context, raw string) (*core.Principal, error) {
	if v.policy == nil || v.keys == nil {
		return nil, core.NewAuthError(core.CodeNotInitialized, "validator has no issuer policy or key resolver", nil)
	}

	tok, err := parseToken(raw)
	if err != nil {
		return nil, core.NewAuthError(core.CodeMalformed, "could not parse the token", err)
	}

	decision, err := v.policy.Authorize(tok.claims.Issuer)
	if err != nil {
		return nil, core.NewAuthError(core.CodeUntrustedIssuer, "issuer is not trusted", err)
	}

	key, err := v.keys.ResolveKey(ctx, decision, tok.header.KeyID)
	if err != nil {
		return nil, core.NewAuthError(core.CodeOf(err), "could not resolve the signing key", err)
	}

	return v.verify(tok, key)
}

// VerifyWithKey checks raw against a caller-supplied key, skipping issuer
// trust and key resolution. Time, audience and principal checks still apply.
func (v *Validator) VerifyWithKey(_ context.Context, key jwk.Key, raw string) (*core.Principal, error) {
	if key == nil {
		return nil, core.NewAuthError(core.CodeUnknownKey, "no verification key", nil)
	}

	tok, err := parseToken(raw)
	if err != nil {
		return nil, core.NewAuthError(core.CodeMalformed, "could not parse the token", err)
	}

	return v.verify(tok, key)
}

func (v *Validator) verify(tok *token, key jwk.Key) (*core.Principal, error) {
	if err := checkAlgorithm(tok.header.Algorithm, key, v.algorithms); err != nil {
		return nil, core.NewAuthError(core.CodeBadSignature, "signing algorithm rejected", err)
	}

	if _, err := jws.Verify([]byte(tok.raw), jws.WithKey(jwa.SignatureAlgorithm(tok.header.Algorithm), key)); err != nil {
		return nil, core.NewAuthError(core.CodeBadSignature, "signature verification failed", err)
	}

	if err := v.validateTimes(tok.claims); err != nil {
		return nil, core.NewAuthError(core.CodeOf(err), "token is outside its validity window", err)
	}

	if err := v.validateAudience(tok.claims); err != nil {
		return nil, core.NewAuthError(core.CodeAudienceRejected, "audience rejected", err)
	}

	principal, err := v.principal(tok.claims)
	if err != nil {
		return nil, core.NewAuthError(core.CodeMalformed, "could not build principal", err)
	}
	return principal, nil
}

func (v *Validator) validateTimes(c *Claims) error {
	now := v.now()

	if c.Expiry == nil {
		if v.requireExpiration {
			return fmt.Errorf("%w: token has no exp claim", core.ErrMalformed)
		}
	} else if now.Add(-v.allowedClockSkew).After(*c.Expiry) {
		return fmt.Errorf("%w: expired at %s", core.ErrExpired, c.Expiry.Format(time.RFC3339))
	}

	if c.NotBefore != nil && now.Add(v.allowedClockSkew).Before(*c.NotBefore) {
		return fmt.Errorf("%w: not valid before %s", core.ErrNotYetValid, c.NotBefore.Format(time.RFC3339))
	}

	if c.IssuedAt != nil && now.Add(v.allowedClockSkew).Before(*c.IssuedAt) {
		return fmt.Errorf("%w: issued in the future at %s", core.ErrNotYetValid, c.IssuedAt.Format(time.RFC3339))
	}

	return nil
}

var errNoAudience = errors.New("token has no audience")

// validateAudience accepts a present aud only if it names an allowed
// audience, and an absent aud only for issuers listed as empty-audience
// issuers. An empty aud array follows the configured policy.
func (v *Validator) validateAudience(c *Claims) error {
	absent := !c.AudiencePresent
	if c.AudiencePresent && len(c.Audience) == 0 {
		if v.emptyAudArrayPolicy != config.EmptyAudArrayTreatAsAbsent {
			return fmt.Errorf("%w: aud is an empty array", core.ErrAudienceRejected)
		}
		absent = true
	}

	if absent {
		if _, ok := v.emptyAudIssuers[c.Issuer]; ok {
			return nil
		}
		return fmt.Errorf("%w: %w and issuer %q requires one", core.ErrAudienceRejected, errNoAudience, c.Issuer)
	}

	for _, aud := range c.Audience {
		if _, ok := v.audiences[aud]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: none of %q is allowed", core.ErrAudienceRejected, c.Audience)
}

func (v *Validator) principal(c *Claims) (*core.Principal, error) {
	if c.Subject == "" {
		return nil, errors.New("token has no sub claim")
	}

	role := c.Subject
	if v.roleClaim != "sub" {
		var err error
		if role, err = stringClaim(c.Raw, v.roleClaim); err != nil {
			return nil, err
		}
	}

	claims := make(map[string]any, len(c.Raw))
	for k, val := range c.Raw {
		claims[k] = val
	}

	var audience []string
	if c.Audience != nil {
		audience = append([]string{}, c.Audience...)
	}

	return &core.Principal{
		Subject:  c.Subject,
		Role:     role,
		Issuer:   c.Issuer,
		Audience: audience,
		Claims:   claims,
	}, nil
}

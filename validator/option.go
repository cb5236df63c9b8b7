package validator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krafton-hq/oidc-broker-auth/config"
)

// Option is how options for the Validator are set up.
// Options return errors to enable validation during construction.
type Option func(*Validator) error

// WithIssuerPolicy sets the policy that decides whether a token's issuer is
// trusted. Required for Validate.
func WithIssuerPolicy(policy IssuerPolicy) Option {
	return func(v *Validator) error {
		if policy == nil {
			return errors.New("issuer policy cannot be nil")
		}
		v.policy = policy
		return nil
	}
}

// WithKeyResolver sets where verification keys come from, usually a
// *jwks.Resolver. Required for Validate.
func WithKeyResolver(keys KeyResolver) Option {
	return func(v *Validator) error {
		if keys == nil {
			return errors.New("key resolver cannot be nil")
		}
		v.keys = keys
		return nil
	}
}

// WithAlgorithms restricts the accepted signature algorithms. Only
// asymmetric algorithms can be listed.
func WithAlgorithms(algs ...SignatureAlgorithm) Option {
	return func(v *Validator) error {
		if len(algs) == 0 {
			return errors.New("at least one signature algorithm is required")
		}
		allowed := make(map[SignatureAlgorithm]bool, len(algs))
		for _, alg := range algs {
			if !asymmetricAlgorithms[alg] {
				return fmt.Errorf("unsupported signature algorithm: %s", alg)
			}
			allowed[alg] = true
		}
		v.algorithms = allowed
		return nil
	}
}

// WithAudiences sets the audiences a token may be addressed to. A token with
// an aud claim is accepted if any of its values is listed here.
func WithAudiences(audiences []string) Option {
	return func(v *Validator) error {
		set := make(map[string]struct{}, len(audiences))
		for i, aud := range audiences {
			if strings.TrimSpace(aud) == "" {
				return fmt.Errorf("audience at index %d cannot be empty", i)
			}
			set[aud] = struct{}{}
		}
		v.audiences = set
		return nil
	}
}

// WithEmptyAudienceIssuers lists issuers whose tokens may omit aud, such as a
// Kubernetes API server issuing service account tokens.
func WithEmptyAudienceIssuers(issuers []string) Option {
	return func(v *Validator) error {
		set := make(map[string]struct{}, len(issuers))
		for i, iss := range issuers {
			if iss == "" {
				return fmt.Errorf("issuer at index %d cannot be empty", i)
			}
			set[iss] = struct{}{}
		}
		v.emptyAudIssuers = set
		return nil
	}
}

// WithEmptyAudArrayPolicy decides how "aud": [] is handled. The default
// rejects it.
func WithEmptyAudArrayPolicy(policy config.EmptyAudArrayPolicy) Option {
	return func(v *Validator) error {
		switch policy {
		case config.EmptyAudArrayReject, config.EmptyAudArrayTreatAsAbsent:
			v.emptyAudArrayPolicy = policy
			return nil
		default:
			return fmt.Errorf("unknown empty aud array policy %q", policy)
		}
	}
}

// WithAllowedClockSkew sets the allowed clock skew for time-based claims.
//
// This allows for some tolerance when validating exp, nbf, and iat claims
// to account for clock differences between systems. If not set, the default
// is 0 (no clock skew allowed).
func WithAllowedClockSkew(skew time.Duration) Option {
	return func(v *Validator) error {
		if skew < 0 {
			return errors.New("clock skew cannot be negative")
		}
		v.allowedClockSkew = skew
		return nil
	}
}

// WithRequireExpiration controls whether tokens without exp are rejected.
// Defaults to true.
func WithRequireExpiration(require bool) Option {
	return func(v *Validator) error {
		v.requireExpiration = require
		return nil
	}
}

// WithRoleClaim names the claim copied into Principal.Role. Defaults to sub.
func WithRoleClaim(claim string) Option {
	return func(v *Validator) error {
		if claim == "" {
			return errors.New("role claim cannot be empty")
		}
		v.roleClaim = claim
		return nil
	}
}

// WithClock overrides the time source used for exp, nbf and iat.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		v.now = now
		return nil
	}
}

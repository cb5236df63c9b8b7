package oidcauth

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/krafton-hq/oidc-broker-auth/trust"
)

// Option configures the Provider.
// Returns error for validation failures.
type Option func(*Provider) error

// WithLogger sets the logger used by the provider and the components it
// builds.
//
// Default: a logrus logger at info level (see NewDefaultLogger)
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	provider, err := oidcauth.New(
//	    oidcauth.WithLogger(oidcauth.NewZapLogger(logger.Sugar())),
//	)
func WithLogger(logger Logger) Option {
	return func(p *Provider) error {
		if logger == nil {
			return ErrLoggerNil
		}
		p.logger = logger
		return nil
	}
}

// WithMetrics sets where authentication and key fetch metrics go.
//
// Default: NoopMetrics
func WithMetrics(m Metrics) Option {
	return func(p *Provider) error {
		if m == nil {
			return ErrMetricsNil
		}
		p.metrics = m
		return nil
	}
}

// WithTracer opens one span per authentication.
//
// Default: NoopTracer
func WithTracer(t Tracer) Option {
	return func(p *Provider) error {
		if t == nil {
			return ErrTracerNil
		}
		p.tracer = t
		return nil
	}
}

// WithHTTPClient sets the client used for discovery, JWKS and issuer list
// requests. Its own timeout, if any, applies on top of
// openIDHttpTimeoutMillis.
//
// Default: an http.Client whose timeout is openIDHttpTimeoutMillis
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) error {
		if c == nil {
			return ErrHTTPClientNil
		}
		p.httpClient = c
		return nil
	}
}

// WithRedisClient shares key sets through an existing Redis client instead
// of one built from openIDRedisAddress. The caller keeps ownership of the
// client; Close does not close it.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(p *Provider) error {
		if c == nil {
			return ErrRedisClientNil
		}
		p.redis = c
		return nil
	}
}

// WithIssuerSource replaces the issuer source built from the configuration.
func WithIssuerSource(src trust.Source) Option {
	return func(p *Provider) error {
		if src == nil {
			return ErrIssuerSourceNil
		}
		p.source = src
		return nil
	}
}

// WithClock replaces time.Now for token time checks and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) error {
		if now == nil {
			return ErrClockNil
		}
		p.now = now
		return nil
	}
}

// Sentinel errors for configuration validation
var (
	ErrLoggerNil       = errors.New("logger cannot be nil")
	ErrMetricsNil      = errors.New("metrics cannot be nil")
	ErrTracerNil       = errors.New("tracer cannot be nil")
	ErrHTTPClientNil   = errors.New("HTTP client cannot be nil")
	ErrRedisClientNil  = errors.New("redis client cannot be nil")
	ErrIssuerSourceNil = errors.New("issuer source cannot be nil")
	ErrClockNil        = errors.New("clock cannot be nil")
)

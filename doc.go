/*
Package oidcauth authenticates message broker connections that present an
OpenID Connect token.

A client sends a compact JWS as its credential. The provider checks that the
token's issuer is trusted, finds the issuer's signing key, verifies the
signature and the time and audience claims, and returns a core.Principal.
No per-client secret is provisioned on the broker.

# Usage

	provider, err := oidcauth.New(
	    oidcauth.WithLogger(oidcauth.NewLogrusLogger(logrus.StandardLogger())),
	    oidcauth.WithMetrics(oidcauth.NewPrometheusMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer provider.Close()

	err = provider.Initialize(ctx, map[string]string{
	    "openIDAllowedTokenIssuers":    "https://accounts.example.com,https://kubernetes.default.svc",
	    "openIDAllowedAudiences":       "pulsar",
	    "openIDAllowedEmptyAudIssuers": "https://kubernetes.default.svc",
	})
	if err != nil {
	    log.Fatal(err)
	}

	res := <-provider.Authenticate(ctx, credential)
	if res.Err != nil {
	    switch core.CodeOf(res.Err) {
	    case core.CodeDiscoveryFailed:
	        // issuer unreachable
	    default:
	        // token rejected
	    }
	}
	role := res.Principal.Role

Authenticate never blocks its caller. Key discovery runs on the
authentication goroutine, and concurrent connections from one issuer share
a single fetch.

# Configuration

Initialize takes the broker's flat property set. Keys are matched without
regard to case; see the config package for the full list. The main choices
are:

  - openIDFallbackDiscoveryMode: TRUSTED_LIST (default) discovers each
    allowed issuer at its own URL. HTTP_DISCOVER_TRUSTED_ISSUER sends
    discovery to openIDDiscoveryIssuer and requires the returned document to
    declare the token's issuer. DISABLED never performs discovery.
  - openIDIssuerJWKSURIs pins the key set location of an issuer, over https,
    http or a local file. Pinned issuers skip discovery in every mode.
  - openIDAllowedEmptyAudIssuers lists issuers whose tokens may omit aud.
  - openIDRedisAddress shares fetched key sets between broker instances.

# Errors

Every failure is a *core.AuthError. Its Code tells the broker why the
connection was refused: malformed, untrusted_issuer, discovery_failed,
unknown_key, bad_signature, expired, not_yet_valid, audience_rejected,
config_invalid or not_initialized.

# Observability

Logging goes through the Logger interface, with adapters for logrus (the
default), zap and zerolog. WithMetrics records:

  - oidcauth_authentications_total{result}
  - oidcauth_authentication_duration_seconds
  - oidcauth_jwks_fetches_total{result}
  - oidcauth_cached_issuers

WithTracer opens one span per authentication; NewOpenTelemetryTracer adapts
an OpenTelemetry tracer.
*/
package oidcauth

/*
Package validator verifies broker bearer tokens and turns them into a
core.Principal.

A token must be a compact JWS whose payload is a JSON claim set. Validation
runs in a fixed order and stops at the first failure:

  - the token is decoded without trusting anything in it
  - the iss claim is checked against the IssuerPolicy, before any network access
  - the signing key is resolved by kid through the KeyResolver
  - the alg header is checked against the allowed set and the key, then the
    signature is verified
  - exp, nbf and iat are checked with the configured clock skew
  - aud is checked against the allowed audiences

Every failure is a *core.AuthError whose Code names the failed step.

# Algorithms

Only asymmetric algorithms are accepted:

RSA:
  - RS256, RS384, RS512 (RSASSA-PKCS1-v1_5)
  - PS256, PS384, PS512 (RSASSA-PSS)

ECDSA:
  - ES256, ES384, ES512

EdDSA:
  - EdDSA (Ed25519)

none and the HMAC family are refused even when configured. A key only
verifies algorithms of its own type and curve, and a key that declares an alg
only verifies that alg.

# Audience

A token with an aud claim passes if any value is an allowed audience. A
token without aud passes only when its issuer is listed with
WithEmptyAudienceIssuers. Service account tokens from a Kubernetes API server
are the usual case. An empty aud array is rejected unless
WithEmptyAudArrayPolicy treats it as absent.

# Basic Usage

	cfg, err := config.Parse(props)
	policy := trust.NewPolicy(cfg, cfg.TrustedIssuers())
	resolver, err := jwks.NewResolver(jwks.WithCacheTTL(cfg.CacheTTL))

	v, err := validator.NewFromConfig(cfg, policy, resolver)
	if err != nil {
	    log.Fatal(err)
	}

	principal, err := v.Validate(ctx, token)
	if err != nil {
	    code := core.CodeOf(err)
	    // reject the connection
	}
*/
package validator

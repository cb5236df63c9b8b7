/*
Package oidc fetches and checks OpenID Connect discovery documents.

Issuers publish their metadata at a well-known location:

	https://issuer.example.com/.well-known/openid-configuration

Only two fields are consumed: issuer and jwks_uri. Both are required and the
declared issuer must equal the issuer the caller expects, even when the
document was fetched from a different discovery target.

	endpoints, err := oidc.Discover(ctx, client, "https://discovery.example.com", tokenIssuer, true)
	if err != nil {
	    // errors.Is(err, core.ErrDiscoveryFailed) == true
	}
	jwksURI := endpoints.JWKSURI

Documents larger than 1 MiB are truncated and fail to decode.

See OpenID Connect Discovery 1.0:
https://openid.net/specs/openid-connect-discovery-1_0.html
*/
package oidc

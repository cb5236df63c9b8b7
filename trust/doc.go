// Package trust decides which token issuers are trusted and where their
// signing keys are found.
//
// A Policy is built once from a config.TrustConfiguration and the issuers
// returned by a Source. Authorize is a pure lookup: an issuer that is not
// trusted is rejected without any network traffic.
//
// The configured mode changes only where keys are discovered:
//
//   - TRUSTED_LIST: discovery is sent to the issuer itself.
//   - HTTP_DISCOVER_TRUSTED_ISSUER: discovery is sent to the configured
//     discovery issuer and the returned document must name the token's issuer.
//   - DISABLED: no discovery. Only issuers with a pinned JWKS URI pass.
package trust

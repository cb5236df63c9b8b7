/*
Package core holds the types shared by every stage of the token-trust
pipeline: the rejection taxonomy and the authenticated Principal.

# Errors

Every rejection is an *AuthError carrying a Code. Lower layers wrap the
per-code sentinels, so both of these work:

	if errors.Is(err, core.ErrUntrustedIssuer) {
	    // policy rejection, no network call was made
	}

	switch core.CodeOf(err) {
	case core.CodeExpired, core.CodeNotYetValid:
	    // ask the client to refresh its token
	}

Errors that cannot be classified are reported as CodeMalformed. The pipeline
fails closed: ambiguity is never provisional acceptance.

# Principal

A Principal is built from the sub claim and the configured role claim. It
keeps a copy of the token claims for hosts that map claims to their own
authorization model.
*/
package core

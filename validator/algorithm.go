package validator

import (
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/krafton-hq/oidc-broker-auth/core"
)

// SignatureAlgorithm is a JWS signature algorithm.
type SignatureAlgorithm string

// Signature algorithms
const (
	EdDSA = SignatureAlgorithm("EdDSA")
	RS256 = SignatureAlgorithm("RS256") // RSASSA-PKCS-v1.5 using SHA-256
	RS384 = SignatureAlgorithm("RS384") // RSASSA-PKCS-v1.5 using SHA-384
	RS512 = SignatureAlgorithm("RS512") // RSASSA-PKCS-v1.5 using SHA-512
	ES256 = SignatureAlgorithm("ES256") // ECDSA using P-256 and SHA-256
	ES384 = SignatureAlgorithm("ES384") // ECDSA using P-384 and SHA-384
	ES512 = SignatureAlgorithm("ES512") // ECDSA using P-521 and SHA-512
	PS256 = SignatureAlgorithm("PS256") // RSASSA-PSS using SHA256 and MGF1-SHA256
	PS384 = SignatureAlgorithm("PS384") // RSASSA-PSS using SHA384 and MGF1-SHA384
	PS512 = SignatureAlgorithm("PS512") // RSASSA-PSS using SHA512 and MGF1-SHA512
)

// asymmetricAlgorithms are the only algorithms a Validator can be configured
// with. HMAC and none are never accepted, whatever the configuration says.
var asymmetricAlgorithms = map[SignatureAlgorithm]bool{
	EdDSA: true,
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
}

var ecdsaCurves = map[SignatureAlgorithm]jwa.EllipticCurveAlgorithm{
	ES256: jwa.P256,
	ES384: jwa.P384,
	ES512: jwa.P521,
}

// checkAlgorithm cross-checks the token's alg header against the allowed set
// and the resolved key. A key may only verify signatures of its own family,
// and of its declared alg when the JWK carries one.
func checkAlgorithm(alg SignatureAlgorithm, key jwk.Key, allowed map[SignatureAlgorithm]bool) error {
	if alg == "none" || strings.HasPrefix(string(alg), "HS") {
		return fmt.Errorf("%w: algorithm %q is never accepted", core.ErrBadSignature, alg)
	}
	if !allowed[alg] {
		return fmt.Errorf("%w: algorithm %q is not allowed", core.ErrBadSignature, alg)
	}

	switch key.KeyType() {
	case jwa.RSA:
		if !strings.HasPrefix(string(alg), "RS") && !strings.HasPrefix(string(alg), "PS") {
			return keyMismatch(alg, key)
		}
	case jwa.EC:
		want, ok := ecdsaCurves[alg]
		ecKey, isEC := key.(jwk.ECDSAPublicKey)
		if !ok || !isEC || ecKey.Crv() != want {
			return keyMismatch(alg, key)
		}
	case jwa.OKP:
		okpKey, isOKP := key.(jwk.OKPPublicKey)
		if alg != EdDSA || !isOKP || okpKey.Crv() != jwa.Ed25519 {
			return keyMismatch(alg, key)
		}
	default:
		return keyMismatch(alg, key)
	}

	if declared := key.Algorithm().String(); declared != "" && declared != string(alg) {
		return fmt.Errorf("%w: token alg %q differs from key alg %q", core.ErrBadSignature, alg, declared)
	}
	return nil
}

func keyMismatch(alg SignatureAlgorithm, key jwk.Key) error {
	return fmt.Errorf("%w: algorithm %q cannot be used with a %s key", core.ErrBadSignature, alg, key.KeyType())
}

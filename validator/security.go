package validator

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/krafton-hq/oidc-broker-auth/core"
)

const (
	// maxTokenSize rejects oversized credentials before any decoding.
	maxTokenSize = 1 << 20

	// jwsDots is the dot count of a compact JWS: header.payload.signature.
	jwsDots = 2
)

var (
	// ErrTokenFormat is returned when a credential is not a compact JWS.
	ErrTokenFormat = errors.New("token is not a compact JWS")
)

type header struct {
	Algorithm SignatureAlgorithm `json:"alg"`
	KeyID     string             `json:"kid"`
	Critical  []string           `json:"crit"`
}

type token struct {
	raw    string
	header header
	claims *Claims
}

// validateTokenFormat performs cheap structural checks on the raw token
// before anything is decoded.
func validateTokenFormat(tokenString string) error {
	if len(tokenString) == 0 {
		return errors.New("token is empty")
	}
	if len(tokenString) > maxTokenSize {
		return errors.New("token exceeds maximum size (1MB)")
	}
	if strings.Count(tokenString, ".") != jwsDots {
		return ErrTokenFormat
	}
	return nil
}

// parseToken decodes the header and claims without verifying anything.
// Every error wraps core.ErrMalformed.
func parseToken(raw string) (*token, error) {
	if err := validateTokenFormat(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformed, err)
	}

	parts := strings.Split(raw, ".")
	headerJSON, err := decodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", core.ErrMalformed, err)
	}
	payloadJSON, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", core.ErrMalformed, err)
	}
	if parts[2] == "" {
		return nil, fmt.Errorf("%w: signature is empty", core.ErrMalformed)
	}
	if _, err := decodeSegment(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: signature: %w", core.ErrMalformed, err)
	}

	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, fmt.Errorf("%w: header is not a JSON object: %w", core.ErrMalformed, err)
	}
	if h.Algorithm == "" {
		return nil, fmt.Errorf("%w: header has no alg", core.ErrMalformed)
	}
	if len(h.Critical) > 0 {
		return nil, fmt.Errorf("%w: unsupported critical headers %v", core.ErrMalformed, h.Critical)
	}

	claims, err := parseClaims(payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformed, err)
	}

	return &token{raw: raw, header: h, claims: claims}, nil
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(seg)
}

func decodeJSONObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return m, nil
}

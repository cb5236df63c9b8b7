package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Claims are the registered claims of a token plus the full payload.
type Claims struct {
	Issuer  string
	Subject string

	// Audience holds the aud values. AudiencePresent distinguishes an absent
	// claim (false, nil) from an empty array (true, empty).
	Audience        []string
	AudiencePresent bool

	Expiry    *time.Time
	NotBefore *time.Time
	IssuedAt  *time.Time

	// Raw is the decoded payload. Numbers are json.Number.
	Raw map[string]any
}

func parseClaims(payload []byte) (*Claims, error) {
	raw, err := decodeJSONObject(payload)
	if err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}

	c := &Claims{Raw: raw}
	if c.Issuer, err = stringClaim(raw, "iss"); err != nil {
		return nil, err
	}
	if c.Subject, err = stringClaim(raw, "sub"); err != nil {
		return nil, err
	}
	if c.Audience, c.AudiencePresent, err = audienceClaim(raw); err != nil {
		return nil, err
	}
	if c.Expiry, err = timeClaim(raw, "exp"); err != nil {
		return nil, err
	}
	if c.NotBefore, err = timeClaim(raw, "nbf"); err != nil {
		return nil, err
	}
	if c.IssuedAt, err = timeClaim(raw, "iat"); err != nil {
		return nil, err
	}
	return c, nil
}

func stringClaim(raw map[string]any, name string) (string, error) {
	v, ok := raw[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("claim %q must be a string", name)
	}
	return s, nil
}

// audienceClaim accepts a single string or an array of strings.
func audienceClaim(raw map[string]any) ([]string, bool, error) {
	v, ok := raw["aud"]
	if !ok || v == nil {
		return nil, false, nil
	}
	switch aud := v.(type) {
	case string:
		return []string{aud}, true, nil
	case []any:
		out := make([]string, 0, len(aud))
		for _, e := range aud {
			s, ok := e.(string)
			if !ok {
				return nil, true, fmt.Errorf("claim \"aud\" must contain only strings")
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("claim \"aud\" must be a string or an array of strings")
	}
}

// maxNumericDate is the largest magnitude accepted for exp, nbf and iat: the
// last integer float64 holds exactly, far inside what time.Unix can represent.
const maxNumericDate = 1 << 53

func timeClaim(raw map[string]any, name string) (*time.Time, error) {
	v, ok := raw[name]
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, fmt.Errorf("claim %q must be a number", name)
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxNumericDate {
		return nil, fmt.Errorf("claim %q is not a valid NumericDate", name)
	}
	sec, frac := math.Modf(f)
	t := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	return &t, nil
}

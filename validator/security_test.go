package validator

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krafton-hq/oidc-broker-auth/core"
)

func segment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestValidateTokenFormat(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		expectErr string
	}{
		{
			name:  "compact JWS (2 dots)",
			token: "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.signature",
		},
		{
			name:      "JWE (4 dots)",
			token:     "header.encrypted_key.iv.ciphertext.tag",
			expectErr: ErrTokenFormat.Error(),
		},
		{
			name:      "one dot",
			token:     "header.payload",
			expectErr: ErrTokenFormat.Error(),
		},
		{
			name:      "malicious token with 10000 dots",
			token:     strings.Repeat(".", 10000),
			expectErr: ErrTokenFormat.Error(),
		},
		{
			name:      "empty token",
			token:     "",
			expectErr: "token is empty",
		},
		{
			name:      "token exceeds 1MB",
			token:     strings.Repeat("a", 1024*1024+1),
			expectErr: "token exceeds maximum size (1MB)",
		},
		{
			name:  "token exactly 1MB",
			token: "header." + strings.Repeat("a", 1024*1024-11) + ".sig",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenFormat(tt.token)
			if tt.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.expectErr)
		})
	}
}

func TestParseToken(t *testing.T) {
	validHeader := segment(`{"alg":"RS256","kid":"key-1"}`)
	validPayload := segment(`{"iss":"https://issuer.example.com","sub":"alice","aud":"broker","exp":1700000000}`)
	sig := segment("sig")

	t.Run("it decodes header and claims", func(t *testing.T) {
		tok, err := parseToken(validHeader + "." + validPayload + "." + sig)
		require.NoError(t, err)

		assert.Equal(t, RS256, tok.header.Algorithm)
		assert.Equal(t, "key-1", tok.header.KeyID)
		assert.Equal(t, "https://issuer.example.com", tok.claims.Issuer)
		assert.Equal(t, "alice", tok.claims.Subject)
		assert.Equal(t, []string{"broker"}, tok.claims.Audience)
		assert.True(t, tok.claims.AudiencePresent)
		require.NotNil(t, tok.claims.Expiry)
		assert.Equal(t, int64(1700000000), tok.claims.Expiry.Unix())
		assert.Nil(t, tok.claims.NotBefore)
	})

	t.Run("it keeps an empty aud array distinct from an absent one", func(t *testing.T) {
		tok, err := parseToken(validHeader + "." + segment(`{"iss":"a","sub":"b","aud":[]}`) + "." + sig)
		require.NoError(t, err)
		assert.True(t, tok.claims.AudiencePresent)
		assert.Empty(t, tok.claims.Audience)

		tok, err = parseToken(validHeader + "." + segment(`{"iss":"a","sub":"b"}`) + "." + sig)
		require.NoError(t, err)
		assert.False(t, tok.claims.AudiencePresent)
		assert.Nil(t, tok.claims.Audience)
	})

	t.Run("it accepts fractional NumericDates", func(t *testing.T) {
		tok, err := parseToken(validHeader + "." + segment(`{"iss":"a","sub":"b","nbf":1700000000.5}`) + "." + sig)
		require.NoError(t, err)
		require.NotNil(t, tok.claims.NotBefore)
		assert.Equal(t, int64(1700000000), tok.claims.NotBefore.Unix())
		assert.Equal(t, 500_000_000, tok.claims.NotBefore.Nanosecond())
	})

	malformed := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "two segments", token: validHeader + "." + validPayload},
		{name: "header is not base64url", token: "!!!." + validPayload + "." + sig},
		{name: "payload is not base64url", token: validHeader + ".!!!." + sig},
		{name: "padded base64", token: validHeader + "." + base64.URLEncoding.EncodeToString([]byte(`{"iss":"a"}`)) + "." + sig},
		{name: "empty signature", token: validHeader + "." + validPayload + "."},
		{name: "header is not JSON", token: segment("nope") + "." + validPayload + "." + sig},
		{name: "header without alg", token: segment(`{"kid":"k"}`) + "." + validPayload + "." + sig},
		{name: "critical header", token: segment(`{"alg":"RS256","crit":["exp"],"exp":1}`) + "." + validPayload + "." + sig},
		{name: "payload is not JSON", token: validHeader + "." + segment("not json") + "." + sig},
		{name: "payload is an array", token: validHeader + "." + segment(`["a"]`) + "." + sig},
		{name: "payload is null", token: validHeader + "." + segment(`null`) + "." + sig},
		{name: "trailing data after payload", token: validHeader + "." + segment(`{"iss":"a"}{}`) + "." + sig},
		{name: "iss is a number", token: validHeader + "." + segment(`{"iss":1}`) + "." + sig},
		{name: "sub is an object", token: validHeader + "." + segment(`{"sub":{}}`) + "." + sig},
		{name: "aud is a number", token: validHeader + "." + segment(`{"aud":5}`) + "." + sig},
		{name: "aud array holds a number", token: validHeader + "." + segment(`{"aud":["a",5]}`) + "." + sig},
		{name: "exp is a string", token: validHeader + "." + segment(`{"exp":"tomorrow"}`) + "." + sig},
		{name: "nbf beyond the NumericDate range", token: validHeader + "." + segment(`{"nbf":1e300}`) + "." + sig},
		{name: "exp beyond the NumericDate range", token: validHeader + "." + segment(`{"exp":-9.3e18}`) + "." + sig},
	}

	for _, tt := range malformed {
		t.Run("it rejects "+tt.name, func(t *testing.T) {
			_, err := parseToken(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrMalformed)
		})
	}
}

func BenchmarkValidateTokenFormat(b *testing.B) {
	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "normal token",
			token: "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.signature",
		},
		{
			name:  "malicious 1000 dots",
			token: strings.Repeat("a.", 1000) + "z",
		},
	}

	for _, tt := range tests {
		b.Run(tt.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = validateTokenFormat(tt.token)
			}
		})
	}
}

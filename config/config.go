// Package config turns the flat, string-keyed property set supplied by the
// broker into an immutable TrustConfiguration.
package config

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/krafton-hq/oidc-broker-auth/core"
)

// Property keys. Lookups are case-insensitive.
const (
	KeyDiscoveryIssuer          = "openIDDiscoveryIssuer"
	KeyFallbackDiscoveryMode    = "openIDFallbackDiscoveryMode"
	KeyAllowedTokenIssuers      = "openIDAllowedTokenIssuers"
	KeyAllowedAudiences         = "openIDAllowedAudiences"
	KeyAllowedEmptyAudIssuers   = "openIDAllowedEmptyAudIssuers"
	KeyEmptyAudArrayPolicy      = "openIDEmptyAudArrayPolicy"
	KeyCacheTTLSeconds          = "openIDCacheTTLSeconds"
	KeyHTTPTimeoutMillis        = "openIDHttpTimeoutMillis"
	KeyTimeLeewaySeconds        = "openIDAcceptedTimeLeewaySeconds"
	KeyRoleClaim                = "openIDRoleClaim"
	KeyRequireIssuersUseHTTPS   = "openIDRequireIssuersUseHttps"
	KeyRequireExpiration        = "openIDRequireExpiration"
	KeySupportedAlgorithms      = "openIDSupportedAlgorithms"
	KeyIssuerJWKSURIs           = "openIDIssuerJWKSURIs"
	KeyIssuerListEndpoint       = "openIDIssuerListEndpoint"
	KeyIssuerListQuery          = "openIDIssuerListQuery"
	KeyKeyRefreshMinIntervalSec = "openIDKeyRefreshMinIntervalSeconds"
	KeyMaxCachedIssuers         = "openIDMaxCachedIssuers"
	KeyRedisAddress             = "openIDRedisAddress"
	KeyRedisKeyPrefix           = "openIDRedisKeyPrefix"
)

// Keys lists every property Parse reads.
func Keys() []string {
	return []string{
		KeyDiscoveryIssuer, KeyFallbackDiscoveryMode, KeyAllowedTokenIssuers,
		KeyAllowedAudiences, KeyAllowedEmptyAudIssuers, KeyEmptyAudArrayPolicy,
		KeyCacheTTLSeconds, KeyHTTPTimeoutMillis, KeyTimeLeewaySeconds,
		KeyRoleClaim, KeyRequireIssuersUseHTTPS, KeyRequireExpiration,
		KeySupportedAlgorithms, KeyIssuerJWKSURIs, KeyIssuerListEndpoint,
		KeyIssuerListQuery, KeyKeyRefreshMinIntervalSec, KeyMaxCachedIssuers,
		KeyRedisAddress, KeyRedisKeyPrefix,
	}
}

// Defaults applied when a property is absent.
const (
	DefaultCacheTTL              = 300 * time.Second
	DefaultHTTPTimeout           = 10 * time.Second
	DefaultRoleClaim             = "sub"
	DefaultIssuerListQuery       = "issuers"
	DefaultKeyRefreshMinInterval = 5 * time.Second
	DefaultRedisKeyPrefix        = "oidcauth:jwks:"
)

// DefaultAlgorithms are the asymmetric JWS algorithms accepted when
// openIDSupportedAlgorithms is not set.
var DefaultAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

var supportedAlgorithms = func() map[string]bool {
	m := make(map[string]bool, len(DefaultAlgorithms))
	for _, alg := range DefaultAlgorithms {
		m[alg] = true
	}
	return m
}()

// Mode selects how issuers are trusted and how their keys are located.
type Mode string

const (
	// ModeTrustedList trusts the static allow-list and discovers each
	// issuer's keys from the issuer itself.
	ModeTrustedList Mode = "TRUSTED_LIST"

	// ModeHTTPDiscoverTrustedIssuer trusts the allow-list but sends discovery
	// to the configured discovery issuer and requires the returned document
	// to declare the token's issuer.
	ModeHTTPDiscoverTrustedIssuer Mode = "HTTP_DISCOVER_TRUSTED_ISSUER"

	// ModeDisabled never performs discovery. Only issuers with a pinned JWKS
	// URI can authenticate.
	ModeDisabled Mode = "DISABLED"
)

// EmptyAudArrayPolicy decides how an aud claim that is an empty array is
// treated.
type EmptyAudArrayPolicy string

const (
	// EmptyAudArrayReject rejects tokens carrying "aud": [].
	EmptyAudArrayReject EmptyAudArrayPolicy = "REJECT"

	// EmptyAudArrayTreatAsAbsent handles "aud": [] exactly like a missing
	// aud claim, so it is accepted only for empty-audience issuers.
	EmptyAudArrayTreatAsAbsent EmptyAudArrayPolicy = "TREAT_AS_ABSENT"
)

// TrustConfiguration is built once during initialization and never mutated
// afterwards. A configuration reload constructs a new one.
type TrustConfiguration struct {
	DiscoveryIssuer       string
	Mode                  Mode
	AllowedIssuers        []string
	AllowedAudiences      []string
	EmptyAudienceIssuers  []string
	EmptyAudArrayPolicy   EmptyAudArrayPolicy
	CacheTTL              time.Duration
	HTTPTimeout           time.Duration
	ClockSkew             time.Duration
	RoleClaim             string
	RequireHTTPS          bool
	RequireExpiration     bool
	Algorithms            []string
	IssuerJWKSURIs        map[string]string
	IssuerListEndpoint    string
	IssuerListQuery       string
	KeyRefreshMinInterval time.Duration
	MaxCachedIssuers      int
	RedisAddress          string
	RedisKeyPrefix        string
}

// Parse builds a TrustConfiguration from a flat property set. Every error
// wraps core.ErrConfigInvalid.
func Parse(props map[string]string) (*TrustConfiguration, error) {
	p := normalize(props)

	cfg := &TrustConfiguration{
		DiscoveryIssuer:      p.str(KeyDiscoveryIssuer),
		Mode:                 Mode(strings.ToUpper(p.str(KeyFallbackDiscoveryMode))),
		AllowedIssuers:       SplitList(p.str(KeyAllowedTokenIssuers)),
		AllowedAudiences:     SplitList(p.str(KeyAllowedAudiences)),
		EmptyAudienceIssuers: SplitList(p.str(KeyAllowedEmptyAudIssuers)),
		EmptyAudArrayPolicy:  EmptyAudArrayPolicy(strings.ToUpper(p.str(KeyEmptyAudArrayPolicy))),
		RoleClaim:            p.str(KeyRoleClaim),
		Algorithms:           SplitList(p.str(KeySupportedAlgorithms)),
		IssuerListEndpoint:   p.str(KeyIssuerListEndpoint),
		IssuerListQuery:      p.str(KeyIssuerListQuery),
		RedisAddress:         p.str(KeyRedisAddress),
		RedisKeyPrefix:       p.str(KeyRedisKeyPrefix),
	}

	var err error
	if cfg.CacheTTL, err = p.seconds(KeyCacheTTLSeconds, DefaultCacheTTL); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = p.millis(KeyHTTPTimeoutMillis, DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.ClockSkew, err = p.seconds(KeyTimeLeewaySeconds, 0); err != nil {
		return nil, err
	}
	if cfg.KeyRefreshMinInterval, err = p.seconds(KeyKeyRefreshMinIntervalSec, DefaultKeyRefreshMinInterval); err != nil {
		return nil, err
	}
	if cfg.RequireHTTPS, err = p.boolean(KeyRequireIssuersUseHTTPS, true); err != nil {
		return nil, err
	}
	if cfg.RequireExpiration, err = p.boolean(KeyRequireExpiration, true); err != nil {
		return nil, err
	}
	if cfg.MaxCachedIssuers, err = p.integer(KeyMaxCachedIssuers, 0); err != nil {
		return nil, err
	}
	if cfg.IssuerJWKSURIs, err = parsePairs(p.str(KeyIssuerJWKSURIs)); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *TrustConfiguration) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTrustedList
	}
	if c.EmptyAudArrayPolicy == "" {
		c.EmptyAudArrayPolicy = EmptyAudArrayReject
	}
	if c.RoleClaim == "" {
		c.RoleClaim = DefaultRoleClaim
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = append([]string(nil), DefaultAlgorithms...)
	}
	if c.IssuerListQuery == "" {
		c.IssuerListQuery = DefaultIssuerListQuery
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = DefaultRedisKeyPrefix
	}
	if c.IssuerJWKSURIs == nil {
		c.IssuerJWKSURIs = map[string]string{}
	}
}

// Validate checks the invariants Parse relies on. It is exported so that
// programmatically built configurations get the same checks.
func (c *TrustConfiguration) Validate() error {
	switch c.Mode {
	case ModeTrustedList, ModeHTTPDiscoverTrustedIssuer, ModeDisabled:
	default:
		return invalid("%s: unknown mode %q", KeyFallbackDiscoveryMode, c.Mode)
	}

	switch c.EmptyAudArrayPolicy {
	case EmptyAudArrayReject, EmptyAudArrayTreatAsAbsent:
	default:
		return invalid("%s: unknown policy %q", KeyEmptyAudArrayPolicy, c.EmptyAudArrayPolicy)
	}

	if len(c.AllowedIssuers) == 0 && c.DiscoveryIssuer == "" && c.IssuerListEndpoint == "" {
		return invalid("no trusted issuers: set %s, %s or %s", KeyAllowedTokenIssuers, KeyDiscoveryIssuer, KeyIssuerListEndpoint)
	}

	if c.DiscoveryIssuer != "" {
		if err := c.checkURL(KeyDiscoveryIssuer, c.DiscoveryIssuer, false); err != nil {
			return err
		}
	}
	if c.IssuerListEndpoint != "" {
		if err := c.checkURL(KeyIssuerListEndpoint, c.IssuerListEndpoint, false); err != nil {
			return err
		}
	}
	for issuer, uri := range c.IssuerJWKSURIs {
		if err := c.checkURL(KeyIssuerJWKSURIs+"["+issuer+"]", uri, true); err != nil {
			return err
		}
	}

	for _, alg := range c.Algorithms {
		if !supportedAlgorithms[alg] {
			return invalid("%s: unsupported algorithm %q", KeySupportedAlgorithms, alg)
		}
	}

	if c.CacheTTL <= 0 {
		return invalid("%s must be positive", KeyCacheTTLSeconds)
	}
	if c.HTTPTimeout <= 0 {
		return invalid("%s must be positive", KeyHTTPTimeoutMillis)
	}
	if c.ClockSkew < 0 || c.KeyRefreshMinInterval < 0 || c.MaxCachedIssuers < 0 {
		return invalid("durations and limits cannot be negative")
	}
	return nil
}

// TrustedIssuers returns the static allow-list: configured issuers plus the
// discovery issuer, de-duplicated, in configuration order.
func (c *TrustConfiguration) TrustedIssuers() []string {
	issuers := append([]string(nil), c.AllowedIssuers...)
	if c.DiscoveryIssuer != "" {
		issuers = append(issuers, c.DiscoveryIssuer)
	}
	return dedupe(issuers)
}

func (c *TrustConfiguration) checkURL(key, raw string, allowFile bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("%s: %v", key, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.RequireHTTPS {
			return invalid("%s: %q must use https (see %s)", key, raw, KeyRequireIssuersUseHTTPS)
		}
		return nil
	case "file":
		if allowFile {
			return nil
		}
	}
	return invalid("%s: unsupported URL %q", key, raw)
}

// SplitList splits a comma-separated property value, trimming blanks and
// dropping duplicates.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return dedupe(out)
}

func parsePairs(value string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range SplitList(value) {
		issuer, uri, ok := strings.Cut(pair, "=")
		issuer, uri = strings.TrimSpace(issuer), strings.TrimSpace(uri)
		if !ok || issuer == "" || uri == "" {
			return nil, invalid("%s: expected issuer=uri, got %q", KeyIssuerJWKSURIs, pair)
		}
		out[issuer] = uri
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrConfigInvalid}, args...)...)
}

type properties map[string]string

func normalize(props map[string]string) properties {
	p := make(properties, len(props))
	for k, v := range props {
		p[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return p
}

func (p properties) str(key string) string {
	return p[strings.ToLower(key)]
}

func (p properties) integer(key string, def int) (int, error) {
	v := p.str(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid("%s: %v", key, err)
	}
	return n, nil
}

func (p properties) seconds(key string, def time.Duration) (time.Duration, error) {
	return p.duration(key, def, time.Second)
}

func (p properties) millis(key string, def time.Duration) (time.Duration, error) {
	return p.duration(key, def, time.Millisecond)
}

// duration reads an integer count of unit, refusing counts whose product
// does not fit a time.Duration.
func (p properties) duration(key string, def, unit time.Duration) (time.Duration, error) {
	if p.str(key) == "" {
		return def, nil
	}
	n, err := p.integer(key, 0)
	if err != nil {
		return 0, err
	}
	if limit := int64(math.MaxInt64 / unit); int64(n) > limit || int64(n) < -limit {
		return 0, invalid("%s: %d is out of range", key, n)
	}
	return time.Duration(n) * unit, nil
}

func (p properties) boolean(key string, def bool) (bool, error) {
	v := p.str(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalid("%s: %v", key, err)
	}
	return b, nil
}

// FromSettings flattens a decoded configuration file (as produced by viper)
// into the property set Parse expects. Lists become comma-separated values
// and nested maps of issuer to URI become issuer=uri pairs.
func FromSettings(settings map[string]any) map[string]string {
	out := make(map[string]string, len(settings))
	for key, value := range settings {
		out[key] = flatten(value)
	}
	return out
}

func flatten(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, flatten(e))
		}
		return strings.Join(parts, ",")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+flatten(v[k]))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

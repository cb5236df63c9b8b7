// Package oidctest provides an in-process OpenID Connect issuer for tests.
// It serves a discovery document and a JWKS, mints signed tokens and counts
// the requests it receives.
package oidctest

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

const (
	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/jwks"
)

// Issuer is a mock OpenID Connect provider backed by httptest.
type Issuer struct {
	Server *httptest.Server

	discoveryRequests atomic.Int32
	jwksRequests      atomic.Int32

	mu             sync.RWMutex
	keys           []jwk.Key
	declaredIssuer string
	jwksURI        string
	cacheControl   string
	delay          time.Duration
	discoveryFails bool
	jwksFails      bool
}

// Option configures an Issuer.
type Option func(*issuerConfig)

type issuerConfig struct {
	tls bool
}

// WithTLS serves the issuer over https.
func WithTLS() Option {
	return func(c *issuerConfig) { c.tls = true }
}

// NewIssuer starts a mock issuer with one RS256 key whose kid is "key-1".
// The server is closed when the test ends.
func NewIssuer(t testing.TB, opts ...Option) *Issuer {
	t.Helper()

	cfg := &issuerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	iss := &Issuer{}
	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, iss.serveDiscovery)
	mux.HandleFunc(JWKSPath, iss.serveJWKS)

	if cfg.tls {
		iss.Server = httptest.NewTLSServer(mux)
	} else {
		iss.Server = httptest.NewServer(mux)
	}
	t.Cleanup(iss.Server.Close)

	iss.AddKey(t, jwa.RS256, "key-1")
	return iss
}

// URL is the issuer identifier, which is also the server base URL.
func (i *Issuer) URL() string {
	return i.Server.URL
}

// Client returns an HTTP client that trusts the server certificate.
func (i *Issuer) Client() *http.Client {
	return i.Server.Client()
}

// DiscoveryRequests reports how many discovery documents were served.
func (i *Issuer) DiscoveryRequests() int {
	return int(i.discoveryRequests.Load())
}

// JWKSRequests reports how many key sets were served.
func (i *Issuer) JWKSRequests() int {
	return int(i.jwksRequests.Load())
}

// SetDeclaredIssuer overrides the issuer field of the discovery document.
func (i *Issuer) SetDeclaredIssuer(issuer string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.declaredIssuer = issuer
}

// SetJWKSURI overrides the jwks_uri field of the discovery document.
func (i *Issuer) SetJWKSURI(uri string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.jwksURI = uri
}

// SetCacheControl sets the Cache-Control header sent with the JWKS.
func (i *Issuer) SetCacheControl(value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cacheControl = value
}

// SetDelay makes every response wait for d first.
func (i *Issuer) SetDelay(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.delay = d
}

// SetDiscoveryFailure makes the discovery endpoint answer 500.
func (i *Issuer) SetDiscoveryFailure(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.discoveryFails = fail
}

// SetJWKSFailure makes the JWKS endpoint answer 500.
func (i *Issuer) SetJWKSFailure(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.jwksFails = fail
}

// AddKey generates a private key suitable for alg, publishes its public half
// under kid and returns the private key.
func (i *Issuer) AddKey(t testing.TB, alg jwa.SignatureAlgorithm, kid string) jwk.Key {
	t.Helper()

	key, err := GenerateKey(alg, kid)
	if err != nil {
		t.Fatalf("generate %s key: %v", alg, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = append(i.keys, key)
	return key
}

// RemoveKey stops publishing the key with the given kid.
func (i *Issuer) RemoveKey(kid string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.keys[:0]
	for _, k := range i.keys {
		if k.KeyID() != kid {
			kept = append(kept, k)
		}
	}
	i.keys = kept
}

// Key returns the private key with the given kid.
func (i *Issuer) Key(kid string) (jwk.Key, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, k := range i.keys {
		if k.KeyID() == kid {
			return k, true
		}
	}
	return nil, false
}

// PublicSet returns the published key set.
func (i *Issuer) PublicSet(t testing.TB) jwk.Set {
	t.Helper()

	i.mu.RLock()
	priv := jwk.NewSet()
	for _, k := range i.keys {
		if err := priv.AddKey(k); err != nil {
			i.mu.RUnlock()
			t.Fatalf("add key: %v", err)
		}
	}
	i.mu.RUnlock()

	pub, err := jwk.PublicSetOf(priv)
	if err != nil {
		t.Fatalf("public set: %v", err)
	}
	return pub
}

// WriteJWKSFile writes the published key set into dir and returns a file://
// URI pointing at it.
func (i *Issuer) WriteJWKSFile(t testing.TB, dir string) string {
	t.Helper()

	buf, err := json.Marshal(i.PublicSet(t))
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	path := filepath.Join(dir, "jwks.json")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write jwks: %v", err)
	}
	return "file://" + path
}

// Claims returns a claim set issued by this issuer for sub, valid for an hour.
// aud is omitted when nil.
func (i *Issuer) Claims(sub string, aud any) map[string]any {
	now := time.Now()
	claims := map[string]any{
		"iss": i.URL(),
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if aud != nil {
		claims["aud"] = aud
	}
	return claims
}

// Sign signs claims with the key kid using the key's own algorithm.
func (i *Issuer) Sign(t testing.TB, kid string, claims map[string]any) string {
	t.Helper()

	key, ok := i.Key(kid)
	if !ok {
		t.Fatalf("no key %q", kid)
	}
	alg, ok := key.Algorithm().(jwa.SignatureAlgorithm)
	if !ok {
		t.Fatalf("key %q has no signature algorithm", kid)
	}
	token, err := SignToken(key, alg, claims, map[string]any{jws.KeyIDKey: kid})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (i *Issuer) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	i.discoveryRequests.Add(1)

	i.mu.RLock()
	delay, fails := i.delay, i.discoveryFails
	issuer, jwksURI := i.declaredIssuer, i.jwksURI
	i.mu.RUnlock()

	time.Sleep(delay)
	if fails {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if issuer == "" {
		issuer = i.URL()
	}
	if jwksURI == "" {
		jwksURI = i.URL() + JWKSPath
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                issuer,
		"jwks_uri":                              jwksURI,
		"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
	})
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksRequests.Add(1)

	i.mu.RLock()
	delay, fails, cacheControl := i.delay, i.jwksFails, i.cacheControl
	priv := jwk.NewSet()
	for _, k := range i.keys {
		_ = priv.AddKey(k)
	}
	i.mu.RUnlock()

	time.Sleep(delay)
	if fails {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}

	pub, err := jwk.PublicSetOf(priv)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pub)
}

// GenerateKey creates a private jwk.Key for alg with kid and alg set.
func GenerateKey(alg jwa.SignatureAlgorithm, kid string) (jwk.Key, error) {
	var raw any
	var err error
	switch alg {
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		raw, err = rsa.GenerateKey(rand.Reader, 2048)
	case jwa.ES256:
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		raw, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.ES512:
		raw, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jwa.EdDSA:
		_, raw, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm %s", alg)
	}
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	return key, nil
}

// SignToken serializes claims and signs them with key using alg. headers
// become protected header fields.
func SignToken(key jwk.Key, alg jwa.SignatureAlgorithm, claims map[string]any, headers map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, "JWT"); err != nil {
		return "", err
	}
	for k, v := range headers {
		if err := hdrs.Set(k, v); err != nil {
			return "", err
		}
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

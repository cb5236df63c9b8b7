package trust

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/internal/oidc"
)

const maxIssuerListSize = 1 << 20

// Source yields trusted issuer identifiers.
type Source interface {
	Issuers(ctx context.Context) ([]string, error)
}

// StaticSource is a fixed list of issuers.
type StaticSource []string

// Issuers implements Source.
func (s StaticSource) Issuers(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// HTTPSource reads issuers from a JSON document served at Endpoint, selecting
// them with the gjson path Query. The selected value may be an array of
// strings or a single string.
type HTTPSource struct {
	Endpoint     string
	Query        string
	Client       *http.Client
	RequireHTTPS bool
}

// Issuers implements Source.
func (s *HTTPSource) Issuers(ctx context.Context) ([]string, error) {
	if _, err := oidc.ParseHTTPURL(s.Endpoint, s.RequireHTTPS); err != nil {
		return nil, fmt.Errorf("issuer list endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("could not build issuer list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch issuer list from %s: %w", s.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, s.Endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIssuerListSize))
	if err != nil {
		return nil, fmt.Errorf("could not read issuer list: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("issuer list from %s is not valid JSON", s.Endpoint)
	}

	res := gjson.GetBytes(body, s.Query)
	if !res.Exists() {
		return nil, fmt.Errorf("query %q matched nothing in issuer list from %s", s.Query, s.Endpoint)
	}

	var issuers []string
	if res.IsArray() {
		for _, v := range res.Array() {
			if v.Type == gjson.String && v.Str != "" {
				issuers = append(issuers, v.Str)
			}
		}
	} else if res.Type == gjson.String && res.Str != "" {
		issuers = append(issuers, res.Str)
	}
	return issuers, nil
}

// ChainSource merges the issuers of several sources, in order, without
// duplicates. Any failing source fails the whole chain.
type ChainSource []Source

// Issuers implements Source.
func (c ChainSource) Issuers(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, src := range c {
		issuers, err := src.Issuers(ctx)
		if err != nil {
			return nil, err
		}
		for _, iss := range issuers {
			if _, ok := seen[iss]; ok {
				continue
			}
			seen[iss] = struct{}{}
			out = append(out, iss)
		}
	}
	return out, nil
}

// SourceFromConfig returns the source described by cfg: the static
// allow-list, followed by the issuer list endpoint when one is configured.
func SourceFromConfig(cfg *config.TrustConfiguration, client *http.Client) Source {
	chain := ChainSource{StaticSource(cfg.TrustedIssuers())}
	if cfg.IssuerListEndpoint != "" {
		chain = append(chain, &HTTPSource{
			Endpoint:     cfg.IssuerListEndpoint,
			Query:        cfg.IssuerListQuery,
			Client:       client,
			RequireHTTPS: cfg.RequireHTTPS,
		})
	}
	return chain
}

// Load reads src once and builds the Policy for cfg. Failures wrap
// core.ErrConfigInvalid.
func Load(ctx context.Context, cfg *config.TrustConfiguration, src Source) (*Policy, error) {
	issuers, err := src.Issuers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading trusted issuers: %w", core.ErrConfigInvalid, err)
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no trusted issuers", core.ErrConfigInvalid)
	}
	return NewPolicy(cfg, issuers), nil
}

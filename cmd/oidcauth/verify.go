package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/spf13/cobra"

	oidcauth "github.com/krafton-hq/oidc-broker-auth"
	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/core"
	"github.com/krafton-hq/oidc-broker-auth/jwks"
	"github.com/krafton-hq/oidc-broker-auth/validator"
)

// maxTokenInput bounds what is read from stdin; the validator rejects
// anything larger anyway.
const maxTokenInput = 1<<20 + 1

type principalView struct {
	Subject  string         `json:"subject"`
	Role     string         `json:"role"`
	Issuer   string         `json:"issuer"`
	Audience []string       `json:"audience,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
}

func newVerifyCmd(c *cli) *cobra.Command {
	var (
		jwksFile   string
		showClaims bool
	)

	cmd := &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Validate a token the way the broker would",
		Long: `verify runs a token through the full authentication pipeline and
prints the resulting principal. The token is read from the argument, or from
stdin when the argument is "-" or missing. A "Bearer " prefix is accepted.

With --jwks the signature is checked against a local key set instead of the
issuer's published keys. Issuer trust is skipped in that case. Times and
audiences are still checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			var principal *core.Principal
			if jwksFile != "" {
				principal, err = c.verifyWithJWKS(cmd.Context(), jwksFile, token)
			} else {
				principal, err = c.authenticate(cmd.Context(), token)
			}
			if err != nil {
				return err
			}

			view := principalView{
				Subject:  principal.Subject,
				Role:     principal.Role,
				Issuer:   principal.Issuer,
				Audience: principal.Audience,
			}
			if showClaims {
				view.Claims = principal.Claims
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().StringVar(&jwksFile, "jwks", "", "verify against this JWKS file instead of the issuer's keys")
	cmd.Flags().BoolVar(&showClaims, "claims", false, "include every token claim in the output")
	return cmd
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(io.LimitReader(in, maxTokenInput))
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

func (c *cli) authenticate(ctx context.Context, token string) (*core.Principal, error) {
	provider, err := oidcauth.New(oidcauth.WithLogger(oidcauth.NewZapLogger(c.logger.Sugar())))
	if err != nil {
		return nil, err
	}
	defer provider.Close()

	if err := provider.Initialize(ctx, c.properties()); err != nil {
		return nil, err
	}
	return provider.AuthenticateSync(ctx, []byte(token))
}

func (c *cli) verifyWithJWKS(ctx context.Context, path, token string) (*core.Principal, error) {
	cfg, err := config.Parse(c.properties())
	if err != nil {
		return nil, core.NewAuthError(core.CodeConfigInvalid, "invalid configuration", err)
	}

	set, err := jwk.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	public, err := jwk.PublicSetOf(set)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, core.NewAuthError(core.CodeMalformed, "token is not a compact JWS", err)
	}
	var kid string
	if sigs := msg.Signatures(); len(sigs) > 0 {
		kid = sigs[0].ProtectedHeaders().KeyID()
	}

	ks := &jwks.KeySet{JWKSURI: path, Keys: public}
	key, ok := ks.Lookup(kid)
	if !ok {
		return nil, core.NewAuthError(core.CodeUnknownKey, fmt.Sprintf("no key %q in %s", kid, path), nil)
	}
	c.logger.Debug("verifying with local key")

	v, err := validator.NewFromConfig(cfg, nil, nil)
	if err != nil {
		return nil, core.NewAuthError(core.CodeConfigInvalid, "invalid configuration", err)
	}
	return v.VerifyWithKey(ctx, key, token)
}

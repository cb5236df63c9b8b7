package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krafton-hq/oidc-broker-auth/config"
	"github.com/krafton-hq/oidc-broker-auth/internal/oidc"
	"github.com/krafton-hq/oidc-broker-auth/jwks"
	"github.com/krafton-hq/oidc-broker-auth/trust"
)

type discoverView struct {
	Issuer            string    `json:"issuer"`
	JWKSURI           string    `json:"jwks_uri"`
	SigningAlgorithms []string  `json:"signing_algorithms,omitempty"`
	Keys              []keyView `json:"keys,omitempty"`
}

type keyView struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg,omitempty"`
}

func newDiscoverCmd(c *cli) *cobra.Command {
	var (
		target   string
		showKeys bool
	)

	cmd := &cobra.Command{
		Use:   "discover ISSUER",
		Short: "Fetch and check an issuer's discovery document",
		Long: `discover fetches the OpenID discovery document of ISSUER, or of --target
when the issuer is discovered through another endpoint, and checks that it
declares ISSUER. With --keys the published key set is fetched as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := args[0]
			if target == "" {
				target = issuer
			}
			requireHTTPS := c.v.GetBool(config.KeyRequireIssuersUseHTTPS)
			client := &http.Client{Timeout: config.DefaultHTTPTimeout}

			c.logger.Debug("discovering issuer", zap.String("issuer", issuer), zap.String("target", target))
			doc, err := oidc.Discover(cmd.Context(), client, target, issuer, requireHTTPS)
			if err != nil {
				return err
			}

			view := discoverView{
				Issuer:            doc.Issuer,
				JWKSURI:           doc.JWKSURI,
				SigningAlgorithms: doc.SigningAlgorithms,
			}

			if showKeys {
				resolver, err := jwks.NewResolver(
					jwks.WithHTTPClient(client),
					jwks.WithRequireHTTPS(requireHTTPS),
				)
				if err != nil {
					return err
				}
				ks, err := resolver.KeySet(cmd.Context(), trust.Decision{
					Issuer:          issuer,
					DiscoveryTarget: target,
					ExpectedIssuer:  issuer,
				})
				if err != nil {
					return err
				}
				for i := 0; i < ks.Keys.Len(); i++ {
					key, _ := ks.Keys.Key(i)
					view.Keys = append(view.Keys, keyView{
						KeyID:     key.KeyID(),
						KeyType:   key.KeyType().String(),
						Algorithm: key.Algorithm().String(),
					})
				}
			}

			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "discovery endpoint base URL (defaults to ISSUER)")
	cmd.Flags().BoolVar(&showKeys, "keys", false, "also fetch and list the published signing keys")
	return cmd
}

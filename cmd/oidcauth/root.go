package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/krafton-hq/oidc-broker-auth/config"
)

const envPrefix = "OIDCAUTH"

// cli carries state shared by the subcommands of one root command.
type cli struct {
	v      *viper.Viper
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: zap.NewNop()}

	var (
		cfgFile  string
		cfgType  string
		logLevel string
	)

	root := &cobra.Command{
		Use:   "oidcauth",
		Short: "Inspect OpenID Connect broker authentication",
		Long: `oidcauth validates tokens and checks issuers with the trust
configuration a broker would load, so rejected connections can be
reproduced outside the broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.logger = logger

			path, err := c.readConfig(cfgFile, cfgType)
			if err != nil {
				return err
			}
			if path != "" {
				c.logger.Debug("using config file", zap.String("path", path))
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.logger.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "configuration file (default is ./oidcauth.{yaml,json,toml,properties})")
	pf.StringVar(&cfgType, "config-type", "", "configuration format when the file extension does not name one, e.g. properties for broker.conf")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	pf.StringSlice("allowed-issuers", nil, "trusted token issuers")
	pf.StringSlice("allowed-audiences", nil, "accepted token audiences")
	pf.StringSlice("empty-aud-issuers", nil, "issuers whose tokens may omit aud")
	pf.String("mode", "", "fallback discovery mode (TRUSTED_LIST, HTTP_DISCOVER_TRUSTED_ISSUER, DISABLED)")
	pf.String("discovery-issuer", "", "discovery target for HTTP_DISCOVER_TRUSTED_ISSUER")
	pf.Bool("require-https", true, "refuse issuers and key sets served over plain http")

	for key, flag := range map[string]string{
		config.KeyAllowedTokenIssuers:    "allowed-issuers",
		config.KeyAllowedAudiences:       "allowed-audiences",
		config.KeyAllowedEmptyAudIssuers: "empty-aud-issuers",
		config.KeyFallbackDiscoveryMode:  "mode",
		config.KeyDiscoveryIssuer:        "discovery-issuer",
		config.KeyRequireIssuersUseHTTPS: "require-https",
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()
	// AllSettings only reports keys viper knows about.
	for _, key := range config.Keys() {
		_ = c.v.BindEnv(key)
	}

	root.AddCommand(newVerifyCmd(c), newDiscoverCmd(c))
	return root
}

// readConfig loads the configuration file, if any, and returns its path.
// Without an explicit file a missing default file is not an error.
func (c *cli) readConfig(file, format string) (string, error) {
	if format != "" {
		c.v.SetConfigType(format)
	}
	if file != "" {
		c.v.SetConfigFile(file)
	} else {
		c.v.SetConfigName("oidcauth")
		c.v.AddConfigPath(".")
	}

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("reading config: %w", err)
	}
	return c.v.ConfigFileUsed(), nil
}

// properties returns the merged flag, environment and file settings in the
// flat form Provider.Initialize takes.
func (c *cli) properties() map[string]string {
	return config.FromSettings(c.v.AllSettings())
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package app defines the authgate command tree.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RPythonStudy/ai4infra/pkg/config"
	"github.com/RPythonStudy/ai4infra/pkg/logger"
	"github.com/RPythonStudy/ai4infra/pkg/server"
)

// NewRootCmd creates the root command for authgate.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "authgate",
		Short: "OIDC authentication gateway for backend services",
		Long: `authgate sits in front of independently-run backend services and requires
every request to present either a valid bearer token or an encrypted session
cookie. Authenticated identity and roles are forwarded to backends as trusted
headers, and per-route role requirements are enforced at the edge.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("failed to bind debug flag: %v", err))
	}

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway. Provider credentials are read from the environment
(OIDC_PROVIDER, OIDC_CLIENT_ID, OIDC_CLIENT_SECRET, OIDC_COOKIE_SECRET and the
provider-specific issuer settings); the route table comes from the YAML file
named by --routes-file.`,
		RunE: runServe,
	}

	serveCmd.Flags().String("listen-addr", ":8080", "address to listen on")
	serveCmd.Flags().String("routes-file", "routes.yaml", "path to the route table")
	serveCmd.Flags().String("external-url", "", "public base URL of the gateway")
	for _, flag := range []string{"listen-addr", "routes-file", "external-url"} {
		if err := viper.BindPFlag(flag, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}

	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	config.SetDefaults()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	routes, err := cfg.LoadRoutes()
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, routes)
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}

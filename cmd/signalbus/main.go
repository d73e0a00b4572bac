// signalbus - in-process signal bus with durable subscriptions, served over
// HTTP, WebSocket and NATS.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sureshkrishnan-v/signalbus/internal/api"
	"github.com/sureshkrishnan-v/signalbus/internal/config"
	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/router"
	"github.com/sureshkrishnan-v/signalbus/internal/runtime"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "signalbus",
		Short: "In-process signal bus with routing, middleware and durable subscriptions",
		Long: `signalbus routes typed signals through a priority trie to ephemeral
and durable subscribers. The serve command exposes the bus over HTTP,
WebSocket and NATS JetStream.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", constants.DefaultConfigPath, "Path to the YAML config file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRoutesCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// newLogger builds the production logger with ISO8601 timestamps.
func newLogger(level string) (*zap.Logger, error) {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.TimeKey = "ts"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logConfig.Level = zap.NewAtomicLevelAt(lvl)
	return logConfig.Build()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bus with its HTTP API, metrics exporter and NATS ingest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			logger.Info("signalbus starting",
				zap.String("version", constants.Version),
				zap.String("config", configPath))

			// Context with signal-based cancellation for graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runtime.New(cfg, logger).Run(ctx)
		},
	}
}

func newRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Validate the configured routes and print the route table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			routes, err := cfg.BuildRoutes()
			if err != nil {
				return err
			}
			trie, err := router.Build(routes, nil)
			if err != nil {
				return err
			}
			return printRoutes(cmd.OutOrStdout(), trie.Collect())
		},
	}
}

func printRoutes(out io.Writer, routes []router.Route) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tPRIORITY\tCOMPLEXITY\tMATCH\tTARGET")
	for _, r := range routes {
		match := "-"
		if r.Match != nil {
			match = "cel"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			r.Path, r.Priority, router.Complexity(r.Path), match, r.Target)
	}
	return w.Flush()
}

func newTokenCommand() *cobra.Command {
	var (
		clientID string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			auth := api.NewAuth(cfg.API.JWTSecret)
			if auth == nil {
				return fmt.Errorf("api.jwt_secret is not set; auth is disabled")
			}
			token, exp, err := auth.Issue(clientID, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client ID embedded in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin rights (route and log management)")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "signalbus %s\n", constants.Version)
		},
	}
}

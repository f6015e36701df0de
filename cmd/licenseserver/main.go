package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"plugin-license-server/internal/license"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "licenseserver",
		Short:         "Plugin license server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config.yaml if present)")

	root.AddCommand(
		newServeCmd(&configFile),
		newKeygenCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the Telegram admin bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configFile, cmd.Flags())
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address")
	f.String("store", "", "store driver: memory, bbolt, redis or sql")
	f.String("db", "", "bbolt database file (bbolt driver only)")
	f.String("dsn", "", "SQL data source name (sql driver only)")
	f.String("env", "", "environment name (production switches to JSON logs)")
	f.String("log-level", "", "log level")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var (
		n      int
		format string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print freshly generated license keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n < 1 {
				return fmt.Errorf("-n must be at least 1")
			}
			gen, err := license.NewKeyGenerator(format, prefix)
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				key, err := gen.NewKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "number of keys")
	cmd.Flags().StringVar(&format, "format", "uuid", "key format: uuid or grouped")
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix for grouped keys")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

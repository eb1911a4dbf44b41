// Package cli implements the firelink command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/firelink/internal/assets"
	"github.com/seantiz/firelink/internal/config"
	"github.com/seantiz/firelink/internal/firecracker"
	"github.com/seantiz/firelink/internal/store"
)

// app carries settings shared by every subcommand. It is filled in by the
// root command before any subcommand runs.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	flags config.Overrides
}

// Execute runs the firelink command line with ctx.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "firelink",
		Short: "Launch and drive Firecracker microVMs",
		Long: `firelink spawns a Firecracker hypervisor, configures it over its API
socket and boots the guest. Launched machines are recorded in a local ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.flags)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&a.flags.LedgerPath, "db", "", "ledger database path (default $FIRELINK_DB_PATH, else $XDG_STATE_HOME/firelink/ledger.db or ~/.firelink/ledger.db)")
	cmd.PersistentFlags().StringVar(&a.flags.LogLevel, "log-level", "", "log level: debug, info, warn or error (default $FIRELINK_LOG_LEVEL or info)")
	cmd.PersistentFlags().StringVar(&a.flags.LogFormat, "log-format", "", "log format: json or text (default $FIRELINK_LOG_FORMAT or json)")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newFetchCmd(a))
	cmd.AddCommand(newLsCmd(a))
	return cmd
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	path, err := a.cfg.LedgerFile()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return st, nil
}

// newResolver builds an asset resolver over the image locations in fc.
func (a *app) newResolver(fc firecracker.Config, opts ...assets.Option) *assets.Resolver {
	opts = append([]assets.Option{assets.WithLogger(a.logger)}, opts...)
	return assets.NewResolver(
		assets.Paths{Latest: fc.KernelPath, DownloadDir: fc.KernelDownloadDir},
		assets.Paths{Latest: fc.RootfsPath, DownloadDir: fc.RootfsDownloadDir},
		opts...,
	)
}

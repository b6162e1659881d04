// Package cli implements the claimflow command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/claimflow/claimflow/internal/config"
	"github.com/claimflow/claimflow/internal/job"
)

// RootOptions holds global flags and the state every subcommand shares.
type RootOptions struct {
	LogLevel string

	cfg    *config.Config
	logger *slog.Logger

	build     func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error)
	openStore func(ctx context.Context, cfg *config.Config) (job.Store, func() error, error)
}

// NewRootCommand creates the root command for the claimflow CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{build: Build, openStore: OpenStore})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claimflow",
		Short: "claimflow - benefit claim document pipeline",
		Long: `claimflow turns uploaded benefit-claim documents into approval decisions:
it starts document extraction, records each job, asks a decision engine
about the extracted claim and notifies the outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if opts.LogLevel != "" {
				if err := cfg.LogLevel.UnmarshalText([]byte(opts.LogLevel)); err != nil {
					return fmt.Errorf("invalid --log-level %q: %w", opts.LogLevel, err)
				}
			}
			opts.cfg = cfg
			opts.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: cfg.LogLevel,
			}))
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides CLAIMFLOW_LOG_LEVEL")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInvokeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

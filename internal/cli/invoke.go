package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimflow/claimflow/internal/config"
)

const drainTimeout = 30 * time.Second

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Event string
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <submission|extraction|validation|notification>",
		Short: "Run one stage once for one event",
		Long: `Run one stage once for one event, the way the event platform would.

With CLAIMFLOW_EVENTS=local, events the stage publishes are delivered to
the downstream stage in the same process before the command returns.

Example:
  claimflow invoke validation --event completion.json`,
		Args: cobra.ExactArgs(1),
		ValidArgs: []string{
			config.StageSubmission,
			config.StageExtraction,
			config.StageValidation,
			config.StageNotification,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeStage(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Event, "event", "-", "event JSON file, - for stdin")

	return cmd
}

func invokeStage(cmd *cobra.Command, opts *InvokeOptions, stage string) error {
	payload, err := readEventFile(cmd.InOrStdin(), opts.Event)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := opts.build(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	handle, err := app.Stages.Handler(stage)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.Queue.Start(workCtx)

	if err := handle(ctx, payload); err != nil {
		return fmt.Errorf("%s stage: %w", stage, err)
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, drainTimeout)
	defer cancelDrain()
	if err := app.Queue.Drain(drainCtx); err != nil {
		opts.logger.Warn("downstream events not delivered", "queued", app.Queue.Len(), "error", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", stage)
	return nil
}

func readEventFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	return data, nil
}

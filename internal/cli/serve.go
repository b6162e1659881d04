package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimflow/claimflow/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept events over HTTP and run every stage in-process",
		Long: `Serve the HTTP event ingress. Accepted events are delivered to the
stages through a local queue with redelivery of retryable failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides CLAIMFLOW_LISTEN_ADDR")

	return cmd
}

func serve(ctx context.Context, opts *ServeOptions) error {
	cfg, logger := opts.cfg, opts.logger
	if opts.Addr != "" {
		cfg.ListenAddr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := opts.build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	// Workers outlive the signal so accepted events can drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	app.Queue.Start(workCtx)

	mux := http.NewServeMux()
	api.NewHandler(app.Store, app.Queue, logger).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(workCtx, cfg.RateLimit),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("claimflow listening", "addr", cfg.ListenAddr, "events", cfg.Events, "store", cfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := app.Queue.Drain(shutdownCtx); err != nil {
		logger.Warn("queue not drained before shutdown", "queued", app.Queue.Len(), "error", err)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type ServeOptions struct {
	*RootOptions
	SyncInterval time.Duration
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy the app origin with offline support",
		Long: `Start the offline engine in front of UPSTREAM_ORIGIN.

The engine precaches the app shell and crisis resources, then serves every
request through its cache rules. The control API is mounted under
/_lifeline/api/v1 and the page message port at /_lifeline/ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.SyncInterval, "sync-interval", 30*time.Second, "how often queued requests are replayed (0 disables)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.Config
	logger := newLogger(cfg.Logging, opts.Verbose, os.Stderr)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := OpenEngine(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			logger.Error("error closing engine", "error", closeErr)
		}
	}()

	pagesDone := make(chan struct{})
	go func() {
		defer close(pagesDone)
		engine.Pages.Run(ctx)
	}()

	if err := engine.Start(ctx); err != nil {
		logger.Error("worker activation failed", "error", err)
	}

	h, err := engine.Handler()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build handler", err)
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting lifeline offline engine",
			"addr", srv.Addr,
			"upstream", cfg.Upstream.Origin,
			"env", cfg.Server.Env,
			"worker", engine.Worker.State())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if opts.SyncInterval > 0 {
		go syncLoop(ctx, engine, opts.SyncInterval)
	}

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			return WrapExitError(ExitFailure, "server failed", err)
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "server forced to shutdown", err)
	}
	stop()
	<-pagesDone

	logger.Info("server stopped gracefully")
	return nil
}

// syncLoop replays queued requests on a timer, standing in for the
// browser's connectivity-triggered sync event.
func syncLoop(ctx context.Context, engine *Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := engine.Sync.DrainAll(ctx)
			if err != nil {
				engine.Logger.Warn("background sync finished with errors", "error", err)
			}
			for _, r := range results {
				if len(r.Retried) > 0 {
					engine.Logger.Debug("sync tag still offline", "tag", r.Tag, "remaining", r.Remaining)
				}
			}
		}
	}
}

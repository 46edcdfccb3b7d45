// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/mailcast-backend/internal/app"
	"github.com/unclebandit/mailcast-backend/internal/config"
	"github.com/unclebandit/mailcast-backend/internal/logging"
	"github.com/unclebandit/mailcast-backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, foundEnv, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "mailcast-server")
	if !foundEnv {
		logger.Info().Msg("no .env file found, relying on OS environment variables")
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "mailcast-server")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := startDispatch(a); err != nil {
		return err
	}
	if cfg.Dispatch.Secret == "" {
		logger.Warn().Msg("DISPATCH_SECRET is not set; the dispatch trigger will reject every call")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	logger.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// startDispatch starts the cron tick loop. Nudges on an in-process queue
// never reach a separate worker, so the server consumes them itself.
func startDispatch(a *app.App) error {
	if a.LocalQueue() {
		if err := a.Runner.SubscribeNudges(a.Queue); err != nil {
			return err
		}
	}
	return a.Runner.StartCron(a.Config.Dispatch.Schedule)
}

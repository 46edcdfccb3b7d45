// cmd/worker/main.go runs dispatcher ticks on queue nudges and, optionally,
// on an in-process cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/mailcast-backend/internal/app"
	"github.com/unclebandit/mailcast-backend/internal/config"
	"github.com/unclebandit/mailcast-backend/internal/logging"
	"github.com/unclebandit/mailcast-backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, foundEnv, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "mailcast-worker")
	if !foundEnv {
		logger.Info().Msg("no .env file found, relying on OS environment variables")
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "mailcast-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
}

// run subscribes to dispatch nudges, starts the schedule and blocks until ctx
// is done.
func run(ctx context.Context, a *app.App) error {
	if a.Config.AMQPURL == "" {
		a.Logger.Warn().Msg("AMQP_URL not set; the worker only receives nudges published in this process")
	}
	if err := a.Runner.SubscribeNudges(a.Queue); err != nil {
		return fmt.Errorf("subscribe to dispatch nudges: %w", err)
	}
	if err := a.Runner.StartCron(a.Config.Dispatch.Schedule); err != nil {
		return err
	}

	a.Logger.Info().Str("schedule", a.Config.Dispatch.Schedule).Msg("worker running, waiting for dispatch nudges")
	<-ctx.Done()
	return nil
}

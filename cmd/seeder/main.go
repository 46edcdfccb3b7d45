// cmd/seeder/main.go applies the schema, loads seed data and can enqueue a
// demo campaign and watch it progress.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/app"
	"github.com/unclebandit/mailcast-backend/internal/config"
	"github.com/unclebandit/mailcast-backend/internal/logging"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository/memstore"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

var seedFiles = []string{
	"tenants.sql",
	"subscribers.sql",
}

type options struct {
	migrate  bool
	seedDir  string
	demo     bool
	tenantID int
	tag      string
	watch    bool
	interval time.Duration
}

func main() {
	var opts options
	flag.BoolVar(&opts.migrate, "migrate", true, "apply the schema before seeding")
	flag.StringVar(&opts.seedDir, "seed-dir", "seed", "directory with seed SQL files; empty skips seeding")
	flag.BoolVar(&opts.demo, "demo", false, "enqueue a demo campaign after seeding")
	flag.IntVar(&opts.tenantID, "tenant", 1, "tenant for the demo campaign")
	flag.StringVar(&opts.tag, "tag", "", "restrict the demo audience to subscribers with this tag")
	flag.BoolVar(&opts.watch, "watch", false, "run ticks locally and poll the demo campaign until it finishes")
	flag.DurationVar(&opts.interval, "interval", service.DefaultPollInterval, "tick and poll interval for -watch")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "seeder:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "console", "mailcast-seeder")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	if err := run(ctx, a, opts); err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
}

func run(ctx context.Context, a *app.App, opts options) error {
	if opts.migrate {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("schema applied")
	}

	switch {
	case a.DB != nil && opts.seedDir != "":
		if err := seedSQL(ctx, a.DB, opts.seedDir, a.Logger); err != nil {
			return err
		}
	case a.Memory != nil:
		seedMemory(a.Memory)
	}

	if !opts.demo {
		a.Logger.Info().Msg("database seeding completed successfully")
		return nil
	}
	return demo(ctx, a, opts)
}

func seedSQL(ctx context.Context, conn *sql.DB, dir string, logger zerolog.Logger) error {
	for _, file := range seedFiles {
		path := filepath.Join(dir, file)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", path, err)
		}
		logger.Info().Str("file", path).Msg("seeded")
	}
	return nil
}

// seedMemory mirrors the SQL seed data for STORE_DRIVER=memory.
func seedMemory(s *memstore.Store) {
	acme := s.AddTenant(model.Tenant{
		ID:          1,
		Name:        "Acme Letters",
		SenderName:  "Acme Letters",
		SenderEmail: "letters@acme.test",
		ReplyDomain: "reply.acme.test",
		Signature:   "Acme Letters\nacme.test",
	})
	for _, sub := range []model.Subscriber{
		{Email: "alice@example.com", Name: "Alice", Tags: []string{"vip"}},
		{Email: "bob@example.com", Name: "Bob"},
		{Email: "carol@example.com", Name: "Carol", Tags: []string{"vip", "beta"}},
		{Email: "dave@example.com", Tags: []string{"beta"}},
		{Email: "erin@example.com", Name: "Erin", Tags: []string{"vip"}, Status: model.SubscriberUnsubscribed},
	} {
		sub.TenantID = acme.ID
		s.AddSubscriber(sub)
	}
	for i := 1; i <= 2500; i++ {
		s.AddSubscriber(model.Subscriber{
			TenantID: acme.ID,
			Email:    fmt.Sprintf("reader%d@example.com", i),
			Name:     fmt.Sprintf("Reader %d", i),
			Tags:     []string{"bulk"},
		})
	}
}

func demo(ctx context.Context, a *app.App, opts options) error {
	c, err := a.Service.Enqueue(ctx, service.EnqueueInput{
		TenantID:     opts.tenantID,
		Subject:      "Hello {name}",
		Body:         "Hi **{name}**,\n\nThis is a demo campaign sent to {email}.",
		Audience:     model.AudienceFilter{Tag: opts.tag},
		AllowReplies: true,
	})
	if err != nil {
		return fmt.Errorf("enqueue demo campaign: %w", err)
	}
	a.Logger.Info().Int("campaign_id", c.ID).Int("recipients", c.TotalRecipients).Msg("demo campaign enqueued")

	if !opts.watch {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tickLoop(watchCtx, a.Runner, opts.interval, a.Logger)

	a.Progress.Interval = opts.interval
	final, err := a.Progress.Poll(watchCtx, c.ID, func(p *service.Progress) {
		a.Logger.Info().
			Str("status", p.Status).
			Int("sent", p.SentCount).
			Int("total", p.TotalRecipients).
			Msg("progress")
	})
	if err != nil {
		return err
	}
	if final.Status == model.CampaignFailed {
		return fmt.Errorf("campaign %d failed: %s", c.ID, final.ErrorMessage)
	}
	a.Logger.Info().Int("sent", final.SentCount).Msg("demo campaign delivered")
	return nil
}

func tickLoop(ctx context.Context, r *service.Runner, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

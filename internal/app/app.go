// Package app wires configuration into the stores, provider, queue and
// services shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/config"
	"github.com/unclebandit/mailcast-backend/internal/db"
	"github.com/unclebandit/mailcast-backend/internal/mailer"
	"github.com/unclebandit/mailcast-backend/internal/queue"
	"github.com/unclebandit/mailcast-backend/internal/repository"
	"github.com/unclebandit/mailcast-backend/internal/repository/memstore"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

type App struct {
	Config config.Config
	Logger zerolog.Logger

	// DB is nil with STORE_DRIVER=memory; Memory is nil otherwise.
	DB     *sql.DB
	Memory *memstore.Store

	Campaigns   repository.CampaignRepositoryInterface
	Recipients  repository.RecipientRepositoryInterface
	Subscribers repository.SubscriberRepositoryInterface
	Tenants     repository.TenantRepositoryInterface

	Queue      queue.Queue
	Provider   mailer.Provider
	Sender     *mailer.BatchSender
	Service    *service.CampaignService
	Progress   *service.ProgressReporter
	Dispatcher *service.Dispatcher
	Runner     *service.Runner
}

// LocalQueue reports whether dispatch nudges stay inside this process. Only
// this process can consume them then, whatever the store.
func (a *App) LocalQueue() bool {
	_, ok := a.Queue.(*queue.InMemoryQueue)
	return ok
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreDriver {
	case "memory":
		a.Memory = memstore.New()
		a.Campaigns = a.Memory.Campaigns()
		a.Recipients = a.Memory.Recipients()
		a.Subscribers = a.Memory.Subscribers()
		a.Tenants = a.Memory.Tenants()
		logger.Warn().Msg("using in-memory store; state is lost on exit")
	default:
		conn, err := db.Open(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		a.DB = conn
		a.Campaigns = &repository.CampaignRepository{DB: conn}
		a.Recipients = &repository.RecipientRepository{DB: conn}
		a.Subscribers = &repository.SubscriberRepository{DB: conn}
		a.Tenants = &repository.TenantRepository{DB: conn}
	}

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(logger)
	}

	if cfg.ResendAPIKey != "" {
		a.Provider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		logger.Warn().Msg("RESEND_API_KEY not set; emails are logged, not delivered")
		a.Provider = &mailer.LogProvider{Logger: logger}
	}

	renderer := mailer.NewRenderer(cfg.PublicBaseURL)
	a.Sender = mailer.NewBatchSender(a.Provider, renderer, cfg.Dispatch.BatchLimit, cfg.ProviderRatePerSec, logger)

	a.Service = &service.CampaignService{
		CampaignRepo:   a.Campaigns,
		RecipientRepo:  a.Recipients,
		SubscriberRepo: a.Subscribers,
		TenantRepo:     a.Tenants,
		Renderer:       renderer,
		TestSender:     a.Sender,
		Queue:          a.Queue,
		Logger:         logger.With().Str("component", "campaigns").Logger(),
	}
	a.Progress = &service.ProgressReporter{Campaigns: a.Campaigns, Recipients: a.Recipients}
	a.Dispatcher = &service.Dispatcher{
		Campaigns:  a.Campaigns,
		Recipients: a.Recipients,
		Tenants:    a.Tenants,
		Sender:     a.Sender,
		Logger:     logger.With().Str("component", "dispatcher").Logger(),
		PerRunCap:  cfg.Dispatch.PerRunCap,
		BatchLimit: cfg.Dispatch.BatchLimit,
		ClaimLease: cfg.Dispatch.ClaimLease,
	}
	a.Runner = service.NewRunner(a.Dispatcher, cfg.Dispatch.TickTimeout, logger)

	return a, nil
}

// Migrate applies the schema. It is a no-op for the memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return db.Migrate(ctx, a.DB)
}

func (a *App) Close() error {
	var errs []error
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/queue"
)

// Ticker runs one dispatcher pass.
type Ticker interface {
	Tick(ctx context.Context) (*TickSummary, error)
}

// Runner serializes ticks within one process and drives them from the HTTP
// trigger, queue nudges and an optional cron schedule. Overlap across
// processes is handled by the recipient claim lease.
type Runner struct {
	Dispatcher Ticker
	Logger     zerolog.Logger
	// Timeout bounds one tick; zero means no bound.
	Timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRunner(d Ticker, timeout time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		Dispatcher: d,
		Timeout:    timeout,
		Logger:     logger.With().Str("component", "runner").Logger(),
	}
}

// RunOnce runs a tick unless one is already running in this process, in
// which case it returns appErrors.ErrTickInProgress.
func (r *Runner) RunOnce(ctx context.Context) (*TickSummary, error) {
	if !r.mu.TryLock() {
		return nil, appErrors.ErrTickInProgress
	}
	defer r.mu.Unlock()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return r.Dispatcher.Tick(ctx)
}

// StartCron schedules ticks with a robfig/cron spec such as "@every 1m".
// An empty spec is a no-op.
func (r *Runner) StartCron(spec string) error {
	if spec == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{r.Logger})))
	_, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			if err == appErrors.ErrTickInProgress {
				r.Logger.Debug().Msg("scheduled tick skipped, previous tick still running")
				return
			}
			r.Logger.Error().Err(err).Msg("scheduled tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid dispatch schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.Logger.Info().Str("schedule", spec).Msg("dispatch schedule started")
	return nil
}

// Stop halts the cron schedule and waits for a running scheduled tick.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// SubscribeNudges runs a tick for every dispatch nudge. A nudge that arrives
// while a tick is running is dropped: the running tick or the next one picks
// the campaign up.
func (r *Runner) SubscribeNudges(q queue.Queue) error {
	return q.Subscribe(queue.TopicDispatchTick, func(body []byte) error {
		var nudge queue.DispatchNudge
		if err := json.Unmarshal(body, &nudge); err != nil {
			r.Logger.Warn().Err(err).Msg("dropping malformed dispatch nudge")
			return nil
		}
		summary, err := r.RunOnce(context.Background())
		if err == appErrors.ErrTickInProgress {
			return nil
		}
		if err != nil {
			return err
		}
		r.Logger.Info().Int("campaign_id", nudge.CampaignID).Int("campaigns", len(summary.Campaigns)).Msg("nudged tick finished")
		return nil
	})
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

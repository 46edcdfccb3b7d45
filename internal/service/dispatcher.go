package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/mailer"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository"
)

// Per-campaign tick outcomes. They are reported for logging only.
const (
	OutcomeCompleted = "completed"
	OutcomeSending   = "sending"
	OutcomeInFlight  = "in_flight"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
)

const (
	DefaultPerRunCap  = 1000
	DefaultBatchLimit = 50
	DefaultClaimLease = 5 * time.Minute
)

// Sender submits one chunk of recipients as a single provider call.
type Sender interface {
	Send(ctx context.Context, chunk []model.Recipient, content mailer.Content) (mailer.BatchResult, error)
	Limit() int
}

type CampaignOutcome struct {
	CampaignID int      `json:"campaign_id"`
	Outcome    string   `json:"outcome"`
	Sent       int      `json:"sent"`
	SentCount  int      `json:"sent_count"`
	Total      int      `json:"total_recipients"`
	Positional bool     `json:"positional,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// TickSummary is the JSON body returned by the trigger endpoint.
type TickSummary struct {
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Promoted   int               `json:"promoted"`
	Purged     int               `json:"purged"`
	Campaigns  []CampaignOutcome `json:"campaigns"`
}

// Count returns how many campaigns ended the tick with outcome.
func (s *TickSummary) Count(outcome string) int {
	n := 0
	for _, c := range s.Campaigns {
		if c.Outcome == outcome {
			n++
		}
	}
	return n
}

type Dispatcher struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Tenants    repository.TenantRepositoryInterface
	Sender     Sender
	Logger     zerolog.Logger

	PerRunCap  int
	BatchLimit int
	ClaimLease time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

var tracer = otel.Tracer("github.com/unclebandit/mailcast-backend/internal/service")

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) perRunCap() int {
	if d.PerRunCap > 0 {
		return d.PerRunCap
	}
	return DefaultPerRunCap
}

func (d *Dispatcher) batchLimit() int {
	limit := d.BatchLimit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if providerMax := d.Sender.Limit(); providerMax > 0 && limit > providerMax {
		limit = providerMax
	}
	return limit
}

func (d *Dispatcher) claimLease() time.Duration {
	if d.ClaimLease > 0 {
		return d.ClaimLease
	}
	return DefaultClaimLease
}

// Tick runs one dispatcher pass over every due campaign. It returns an error
// only when the due list itself cannot be read; per-campaign failures are
// recorded in the summary.
func (d *Dispatcher) Tick(ctx context.Context) (*TickSummary, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	start := d.now()
	summary := &TickSummary{StartedAt: start, Campaigns: []CampaignOutcome{}}

	promoted, err := d.Campaigns.PromoteScheduled(ctx, start)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("promote scheduled campaigns: %w", err)
	}
	summary.Promoted = promoted

	purged, err := d.Recipients.DeleteForSentCampaigns(ctx)
	if err != nil {
		// Leftover rows only cost storage; dispatch can proceed.
		d.Logger.Warn().Err(err).Msg("failed to purge recipient rows of sent campaigns")
	}
	summary.Purged = purged

	due, err := d.Campaigns.ListDue(ctx, start, 0)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}

	for _, c := range due {
		if ctx.Err() != nil {
			d.Logger.Warn().Int("remaining", len(due)-len(summary.Campaigns)).Msg("tick deadline reached, leaving campaigns for the next tick")
			break
		}
		summary.Campaigns = append(summary.Campaigns, d.processCampaign(ctx, c))
	}

	summary.DurationMS = d.now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("dispatch.campaigns", len(summary.Campaigns)),
		attribute.Int("dispatch.promoted", summary.Promoted),
	)
	d.Logger.Info().
		Int("campaigns", len(summary.Campaigns)).
		Int("completed", summary.Count(OutcomeCompleted)).
		Int("failed", summary.Count(OutcomeFailed)).
		Int("errors", summary.Count(OutcomeError)).
		Int64("duration_ms", summary.DurationMS).
		Msg("dispatch tick finished")
	return summary, nil
}

// processCampaign isolates one campaign: any error or panic is turned into an
// outcome and never reaches the caller.
func (d *Dispatcher) processCampaign(ctx context.Context, c *model.Campaign) (out CampaignOutcome) {
	ctx, span := tracer.Start(ctx, "dispatcher.campaign", trace.WithAttributes(attribute.Int("campaign.id", c.ID)))
	defer span.End()

	log := d.Logger.With().Int("campaign_id", c.ID).Logger()
	out = CampaignOutcome{CampaignID: c.ID, Total: c.TotalRecipients, SentCount: c.SentCount}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error().Err(err).Msg("campaign processing panicked")
			d.fail(ctx, c.ID, err.Error(), log)
			out.Outcome = OutcomeFailed
			out.Error = err.Error()
		}
	}()

	err := d.dispatch(ctx, c, &out, log)
	if err == nil {
		span.SetAttributes(attribute.String("campaign.outcome", out.Outcome), attribute.Int("campaign.sent", out.Sent))
		return out
	}

	span.RecordError(err)
	out.Error = err.Error()
	var pe *mailer.ProviderError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Retried by the next tick.
		log.Warn().Err(err).Int("sent", out.Sent).Msg("campaign interrupted")
		out.Outcome = OutcomeError
		return out
	}

	span.SetStatus(codes.Error, err.Error())
	log.Error().Err(err).Msg("campaign failed")
	d.fail(ctx, c.ID, err.Error(), log)
	out.Outcome = OutcomeFailed
	return out
}

func (d *Dispatcher) fail(ctx context.Context, campaignID int, reason string, log zerolog.Logger) {
	if err := d.Campaigns.MarkFailed(context.WithoutCancel(ctx), campaignID, reason); err != nil {
		log.Error().Err(err).Msg("failed to record campaign failure")
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c *model.Campaign, out *CampaignOutcome, log zerolog.Logger) error {
	tenant, err := d.Tenants.GetByID(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %d: %w", c.TenantID, err)
	}
	if tenant == nil {
		if err := d.Campaigns.MarkFailed(ctx, c.ID, appErrors.OwnerMissingMessage); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		log.Warn().Int("tenant_id", c.TenantID).Msg("campaign owner missing")
		out.Outcome = OutcomeFailed
		out.Error = appErrors.OwnerMissingMessage
		return nil
	}

	now := d.now()
	claimed, err := d.Recipients.ClaimPending(ctx, c.ID, d.perRunCap(), now, now.Add(d.claimLease()))
	if err != nil {
		return fmt.Errorf("claim recipients: %w", err)
	}

	if len(claimed) == 0 {
		pending, err := d.Recipients.CountPending(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		if pending > 0 {
			log.Debug().Int("pending", pending).Msg("all pending recipients are claimed by another tick")
			out.Outcome = OutcomeInFlight
			return nil
		}
		return d.finalize(ctx, c, out, log)
	}

	if c.Status == model.CampaignQueued {
		if err := d.Campaigns.MarkSending(ctx, c.ID); err != nil {
			d.release(ctx, claimed, log)
			return fmt.Errorf("mark sending: %w", err)
		}
	}

	if err := d.sendClaimed(ctx, c, tenant, claimed, out, log); err != nil {
		return err
	}

	pending, err := d.Recipients.CountPending(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending == 0 {
		return d.finalize(ctx, c, out, log)
	}
	if err := d.syncSentCount(ctx, c, out); err != nil {
		return err
	}
	out.Outcome = OutcomeSending
	log.Info().Int("sent", out.Sent).Int("sent_count", out.SentCount).Int("pending", pending).Msg("campaign progressed")
	return nil
}

// sendClaimed submits the claim chunk by chunk. A total provider failure
// stops the campaign for this tick; the unsent claims are released first.
func (d *Dispatcher) sendClaimed(ctx context.Context, c *model.Campaign, tenant *model.Tenant, claimed []model.Recipient, out *CampaignOutcome, log zerolog.Logger) error {
	content := mailer.Content{
		Subject:      c.Subject,
		Body:         c.Body,
		AllowReplies: c.AllowReplies,
		Tenant:       *tenant,
	}
	limit := d.batchLimit()

	for start := 0; start < len(claimed); start += limit {
		end := start + limit
		if end > len(claimed) {
			end = len(claimed)
		}
		chunk := claimed[start:end]

		res, err := d.Sender.Send(ctx, chunk, content)
		if err != nil {
			d.release(ctx, claimed[start:], log)
			if syncErr := d.syncSentCount(ctx, c, out); syncErr != nil {
				log.Error().Err(syncErr).Msg("failed to sync sent count")
			}
			return fmt.Errorf("send chunk %d-%d: %w", start, end, err)
		}

		if res.Positional && len(res.Sent) < len(chunk) {
			out.Positional = true
		}
		out.Errors = append(out.Errors, res.Errors...)

		// The provider already accepted these; the tick deadline must not
		// turn them back into claimable rows.
		n, err := d.Recipients.MarkSent(context.WithoutCancel(ctx), res.Sent)
		if err != nil {
			d.release(ctx, claimed[start:], log)
			return fmt.Errorf("mark recipients sent: %w", err)
		}
		out.Sent += n

		if unconfirmed := unconfirmedRows(chunk, res.Sent); len(unconfirmed) > 0 {
			d.release(ctx, unconfirmed, log)
		}
	}
	return nil
}

func unconfirmedRows(chunk []model.Recipient, sent []int) []model.Recipient {
	ok := make(map[int]bool, len(sent))
	for _, id := range sent {
		ok[id] = true
	}
	var out []model.Recipient
	for _, rc := range chunk {
		if !ok[rc.ID] {
			out = append(out, rc)
		}
	}
	return out
}

func (d *Dispatcher) release(ctx context.Context, rows []model.Recipient, log zerolog.Logger) {
	if len(rows) == 0 {
		return
	}
	ids := make([]int, len(rows))
	for i, rc := range rows {
		ids[i] = rc.ID
	}
	// Unreleased claims expire with the lease.
	if err := d.Recipients.ReleaseClaims(context.WithoutCancel(ctx), ids); err != nil {
		log.Warn().Err(err).Int("rows", len(ids)).Msg("failed to release claims")
	}
}

// syncSentCount derives sent_count from the non-pending rows.
func (d *Dispatcher) syncSentCount(ctx context.Context, c *model.Campaign, out *CampaignOutcome) error {
	sent, err := d.Recipients.CountSent(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count sent: %w", err)
	}
	if err := d.Campaigns.SyncSentCount(ctx, c.ID, sent); err != nil {
		return fmt.Errorf("sync sent count: %w", err)
	}
	out.SentCount = clamp(sent, c.SentCount, c.TotalRecipients)
	return nil
}

// finalize marks the campaign sent before deleting its rows, so a crash in
// between leaves rows that the next tick's purge removes.
func (d *Dispatcher) finalize(ctx context.Context, c *model.Campaign, out *CampaignOutcome, log zerolog.Logger) error {
	sent, err := d.Recipients.CountSent(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("count sent: %w", err)
	}
	moved, err := d.Campaigns.MarkSent(ctx, c.ID, sent)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if !moved {
		current, err := d.Campaigns.GetByID(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("reload campaign: %w", err)
		}
		if current.Status != model.CampaignSent {
			log.Warn().Str("status", current.Status).Msg("campaign left the dispatchable states before finalize; keeping its rows")
			out.SentCount = current.SentCount
			out.Outcome = OutcomeFailed
			if current.Status != model.CampaignFailed {
				out.Outcome = OutcomeInFlight
			}
			out.Error = current.ErrorMessage
			return nil
		}
	}
	deleted, err := d.Recipients.DeleteByCampaign(ctx, c.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to delete recipient rows; next tick will purge them")
	}
	out.SentCount = clamp(sent, c.SentCount, c.TotalRecipients)
	out.Outcome = OutcomeCompleted
	log.Info().Int("sent_count", out.SentCount).Int("deleted_rows", deleted).Msg("campaign completed")
	return nil
}

// clamp returns n raised to at least floor and capped at ceil.
func clamp(n, floor, ceil int) int {
	if n < floor {
		n = floor
	}
	if n > ceil {
		n = ceil
	}
	return n
}

// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/mailer"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/queue"
	"github.com/unclebandit/mailcast-backend/internal/repository"
)

// TestSender delivers single verification messages outside the batch pipeline.
type TestSender interface {
	SendTest(ctx context.Context, to, name string, content mailer.Content) (string, error)
}

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	RecipientRepo  repository.RecipientRepositoryInterface
	SubscriberRepo repository.SubscriberRepositoryInterface
	TenantRepo     repository.TenantRepositoryInterface
	Renderer       *mailer.Renderer
	TestSender     TestSender
	// Queue is optional; when set, immediate campaigns publish a dispatch nudge.
	Queue  queue.Queue
	Logger zerolog.Logger
	Now    func() time.Time
}

type EnqueueInput struct {
	TenantID     int                  `json:"tenant_id"`
	Subject      string               `json:"subject"`
	Body         string               `json:"body"`
	Audience     model.AudienceFilter `json:"audience"`
	AllowReplies bool                 `json:"allow_replies"`
	ScheduledAt  *time.Time           `json:"scheduled_at,omitempty"`
}

type TestInput struct {
	TenantID     int    `json:"tenant_id"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	AllowReplies bool   `json:"allow_replies"`
	To           string `json:"to"`
	Name         string `json:"name"`
}

type CampaignDetails struct {
	ID              int            `json:"id"`
	TenantID        int            `json:"tenant_id"`
	Subject         string         `json:"subject"`
	Body            string         `json:"body"`
	Status          string         `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	SentCount       int            `json:"sent_count"`
	AllowReplies    bool           `json:"allow_replies"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       *time.Time     `json:"updated_at"`
	Stats           map[string]int `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Enqueue snapshots the audience into pending recipient rows and creates the
// campaign in one transaction. total_recipients is fixed here.
func (s *CampaignService) Enqueue(ctx context.Context, in EnqueueInput) (*model.Campaign, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return nil, appErrors.NewValidation("subject", "subject is required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, appErrors.NewValidation("body", "body is required")
	}

	tenant, err := s.TenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, appErrors.NewTenantNotFound(in.TenantID)
	}

	audience, err := s.SubscriberRepo.ListAudience(ctx, in.TenantID, in.Audience)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	recipients := buildRecipients(audience)
	if len(recipients) == 0 {
		return nil, appErrors.ErrEmptyAudience
	}

	now := s.now()
	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = *in.ScheduledAt
	}
	status := model.CampaignQueued
	if scheduledAt.After(now) {
		status = model.CampaignScheduled
	}

	c := &model.Campaign{
		TenantID:     in.TenantID,
		Subject:      subject,
		Body:         in.Body,
		Status:       status,
		ScheduledAt:  &scheduledAt,
		AllowReplies: in.AllowReplies,
	}
	if err := s.CampaignRepo.CreateWithRecipients(ctx, c, recipients); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.Logger.Info().
		Int("campaign_id", c.ID).
		Int("tenant_id", c.TenantID).
		Int("recipients", c.TotalRecipients).
		Str("status", c.Status).
		Msg("campaign enqueued")

	if status == model.CampaignQueued && s.Queue != nil {
		nudge := queue.DispatchNudge{CampaignID: c.ID, At: now}
		if err := s.Queue.Publish(queue.TopicDispatchTick, nudge); err != nil {
			s.Logger.Warn().Err(err).Int("campaign_id", c.ID).Msg("failed to publish dispatch nudge")
		}
	}
	return c, nil
}

// buildRecipients drops blank and case-insensitively duplicate addresses and
// assigns each row a fresh token.
func buildRecipients(audience []model.Subscriber) []model.Recipient {
	seen := make(map[string]bool, len(audience))
	out := make([]model.Recipient, 0, len(audience))
	for _, sub := range audience {
		addr := strings.TrimSpace(sub.Email)
		key := strings.ToLower(addr)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Recipient{
			SubscriberID: sub.ID,
			Address:      addr,
			Name:         sub.Name,
			Token:        uuid.NewString(),
			Pending:      true,

			UnsubscribeToken: sub.UnsubscribeToken,
		})
	}
	return out
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize, tenantID int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, tenantID, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetailsWithStats returns the campaign with live recipient counts.
// Sent campaigns have no rows left, so their stats come from the campaign row.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":   c.TotalRecipients,
		"pending": 0,
		"sent":    c.SentCount,
	}
	if c.Status != model.CampaignSent {
		pending, err := s.RecipientRepo.CountPending(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("count pending: %w", err)
		}
		sent, err := s.RecipientRepo.CountSent(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("count sent: %w", err)
		}
		stats["pending"] = pending
		stats["sent"] = clamp(sent, c.SentCount, c.TotalRecipients)
	}

	return &CampaignDetails{
		ID:              c.ID,
		TenantID:        c.TenantID,
		Subject:         c.Subject,
		Body:            c.Body,
		Status:          c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       stats["sent"],
		AllowReplies:    c.AllowReplies,
		ErrorMessage:    c.ErrorMessage,
		ScheduledAt:     c.ScheduledAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		Stats:           stats,
	}, nil
}

// RenderPreview renders the campaign as subscriberID would receive it.
// overrideBody replaces the stored body when non-blank.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, subscriberID int, overrideBody *string) (*mailer.Message, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	tenant, err := s.TenantRepo.GetByID(ctx, c.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, appErrors.NewTenantNotFound(c.TenantID)
	}

	sub, err := s.SubscriberRepo.GetByID(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.TenantID != c.TenantID {
		return nil, appErrors.NewValidation("subscriber_id", fmt.Sprintf("subscriber %d not found", subscriberID))
	}

	body := c.Body
	if overrideBody != nil && strings.TrimSpace(*overrideBody) != "" {
		body = *overrideBody
	}

	prepared, err := s.Renderer.Prepare(mailer.Content{
		Subject:      c.Subject,
		Body:         body,
		AllowReplies: c.AllowReplies,
		Tenant:       *tenant,
	})
	if err != nil {
		return nil, err
	}
	msg, err := prepared.Personalize(model.Recipient{
		SubscriberID: sub.ID,
		Address:      sub.Email,
		Name:         sub.Name,
		Token:        "preview",

		UnsubscribeToken: sub.UnsubscribeToken,
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendTest sends one verification message through the single-send call.
func (s *CampaignService) SendTest(ctx context.Context, in TestInput) (string, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return "", appErrors.NewValidation("subject", "subject is required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return "", appErrors.NewValidation("body", "body is required")
	}
	addr, err := mail.ParseAddress(in.To)
	if err != nil {
		return "", appErrors.NewValidation("to", "invalid email address")
	}

	tenant, err := s.TenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return "", appErrors.NewTenantNotFound(in.TenantID)
	}

	return s.TestSender.SendTest(ctx, addr.Address, in.Name, mailer.Content{
		Subject:      in.Subject,
		Body:         in.Body,
		AllowReplies: in.AllowReplies,
		Tenant:       *tenant,
	})
}

// Unsubscribe resolves an unsubscribe token to its subscriber and
// unsubscribes them. Subscriber tokens outlive every campaign; a recipient
// row token is still honoured while its row exists. It reports false when
// the token is unknown.
func (s *CampaignService) Unsubscribe(ctx context.Context, token string) (bool, error) {
	sub, err := s.SubscriberRepo.GetByUnsubscribeToken(ctx, token)
	if err != nil {
		return false, err
	}
	subscriberID, campaignID := 0, 0
	switch {
	case sub != nil:
		subscriberID = sub.ID
	default:
		rc, err := s.RecipientRepo.GetByToken(ctx, token)
		if err != nil {
			return false, err
		}
		if rc == nil {
			return false, nil
		}
		subscriberID, campaignID = rc.SubscriberID, rc.CampaignID
	}

	if err := s.SubscriberRepo.Unsubscribe(ctx, subscriberID); err != nil {
		return false, err
	}
	s.Logger.Info().Int("campaign_id", campaignID).Int("subscriber_id", subscriberID).Msg("subscriber unsubscribed")
	return true, nil
}

// RecordOpen logs an open-pixel hit. Opens are not persisted.
func (s *CampaignService) RecordOpen(ctx context.Context, token string) {
	rc, err := s.RecipientRepo.GetByToken(ctx, token)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("open lookup failed")
		return
	}
	ev := s.Logger.Info().Str("token", token)
	if rc != nil {
		ev = ev.Int("campaign_id", rc.CampaignID).Int("recipient_id", rc.ID)
	}
	ev.Msg("email opened")
}

package service

import (
	"context"
	"time"

	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository"
)

// DefaultPollInterval is the interval the compose UI polls progress at.
const DefaultPollInterval = 3 * time.Second

type Progress struct {
	CampaignID      int    `json:"campaign_id"`
	Status          string `json:"status"`
	SentCount       int    `json:"sent_count"`
	TotalRecipients int    `json:"total_recipients"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Terminal        bool   `json:"terminal"`
	// PollAfterMS is zero once the campaign is terminal.
	PollAfterMS int64 `json:"poll_after_ms,omitempty"`
}

// ProgressReporter is a stateless read of one campaign's progress.
type ProgressReporter struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Interval   time.Duration
}

func (p *ProgressReporter) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultPollInterval
}

// GetStatus reports progress. While the campaign is in flight the sent count
// is derived from its non-pending rows, never below the stored value.
func (p *ProgressReporter) GetStatus(ctx context.Context, campaignID int) (*Progress, error) {
	c, err := p.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	sent := c.SentCount
	if !c.IsTerminal() && c.Status != model.CampaignScheduled {
		n, err := p.Recipients.CountSent(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		sent = clamp(n, c.SentCount, c.TotalRecipients)
	}

	pr := &Progress{
		CampaignID:      c.ID,
		Status:          c.Status,
		SentCount:       sent,
		TotalRecipients: c.TotalRecipients,
		Terminal:        c.IsTerminal(),
	}
	if c.Status == model.CampaignFailed {
		pr.ErrorMessage = c.ErrorMessage
	}
	if !pr.Terminal {
		pr.PollAfterMS = p.interval().Milliseconds()
	}
	return pr, nil
}

// Poll reads progress immediately and then every interval, calling onUpdate
// each time, until the campaign is sent or failed or ctx is done.
func (p *ProgressReporter) Poll(ctx context.Context, campaignID int, onUpdate func(*Progress)) (*Progress, error) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		pr, err := p.GetStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(pr)
		}
		if pr.Terminal {
			return pr, nil
		}

		select {
		case <-ctx.Done():
			return pr, ctx.Err()
		case <-ticker.C:
		}
	}
}

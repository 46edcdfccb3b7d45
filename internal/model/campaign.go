// internal/model/campaign.go
package model

import "time"

// Campaign statuses. A campaign only ever moves forward:
// scheduled -> queued -> sending -> sent, or to failed from any non-terminal state.
const (
	CampaignScheduled = "scheduled"
	CampaignQueued    = "queued"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignFailed    = "failed"
)

type Campaign struct {
	ID              int        `db:"id" json:"id"`
	TenantID        int        `db:"tenant_id" json:"tenant_id"`
	Subject         string     `db:"subject" json:"subject"`
	Body            string     `db:"body" json:"body"`
	Status          string     `db:"status" json:"status"`
	TotalRecipients int        `db:"total_recipients" json:"total_recipients"`
	SentCount       int        `db:"sent_count" json:"sent_count"`
	ScheduledAt     *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	AllowReplies    bool       `db:"allow_replies" json:"allow_replies"`
	ErrorMessage    string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// IsTerminal reports whether no further tick will touch the campaign.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed
}

// IsDispatchable reports whether a tick running at now may pick the campaign up.
func (c *Campaign) IsDispatchable(now time.Time) bool {
	if c.Status != CampaignQueued && c.Status != CampaignSending {
		return false
	}
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

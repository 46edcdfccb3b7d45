// internal/model/recipient.go
package model

import "time"

// Recipient is one fan-out row: "this campaign must still contact this address".
// Pending flips from true to false exactly once, after the provider confirmed the send.
type Recipient struct {
	ID           int        `db:"id" json:"id"`
	CampaignID   int        `db:"campaign_id" json:"campaign_id"`
	SubscriberID int        `db:"subscriber_id" json:"subscriber_id"`
	Address      string     `db:"address" json:"address"`
	Name         string     `db:"name" json:"name"`
	Token        string     `db:"token" json:"token"`
	Pending      bool       `db:"pending" json:"pending"`
	ClaimedUntil *time.Time `db:"claimed_until" json:"claimed_until,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`

	// UnsubscribeToken is copied from the subscriber at enqueue time.
	UnsubscribeToken string `db:"unsubscribe_token" json:"-"`
}

// UnsubscribeKey is the token unsubscribe links carry. Rows without a
// subscriber token fall back to their own token.
func (r *Recipient) UnsubscribeKey() string {
	if r.UnsubscribeToken != "" {
		return r.UnsubscribeToken
	}
	return r.Token
}

// IsClaimable reports whether a tick running at now may claim the row.
func (r *Recipient) IsClaimable(now time.Time) bool {
	if !r.Pending {
		return false
	}
	return r.ClaimedUntil == nil || r.ClaimedUntil.Before(now)
}

// internal/model/subscriber.go
package model

import "time"

const (
	SubscriberActive       = "active"
	SubscriberUnsubscribed = "unsubscribed"
)

type Subscriber struct {
	ID        int       `db:"id" json:"id"`
	TenantID  int       `db:"tenant_id" json:"tenant_id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	Status    string    `db:"status" json:"status"`
	Tags      []string  `db:"tags" json:"tags"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	// UnsubscribeToken is stable for the subscriber's lifetime and outlives
	// every campaign's recipient rows.
	UnsubscribeToken string `db:"unsubscribe_token" json:"-"`
}

// HasTag reports whether the subscriber carries tag.
func (s *Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AudienceFilter selects the subscribers a campaign is sent to.
// An empty filter means every active subscriber of the tenant.
type AudienceFilter struct {
	SubscriberIDs []int  `json:"subscriber_ids,omitempty"`
	Tag           string `json:"tag,omitempty"`
}

// Matches reports whether s is selected by the filter. Unsubscribed
// subscribers never match.
func (f AudienceFilter) Matches(s *Subscriber) bool {
	if s.Status != SubscriberActive {
		return false
	}
	if f.Tag != "" && !s.HasTag(f.Tag) {
		return false
	}
	if len(f.SubscriberIDs) == 0 {
		return true
	}
	for _, id := range f.SubscriberIDs {
		if id == s.ID {
			return true
		}
	}
	return false
}

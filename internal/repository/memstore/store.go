// Package memstore keeps campaigns, recipients, subscribers and tenants in
// memory. It backs STORE_DRIVER=memory and the service and handler tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	seq         int
	tenants     map[int]*model.Tenant
	subscribers map[int]*model.Subscriber
	campaigns   map[int]*model.Campaign
	recipients  map[int]*model.Recipient
}

func New() *Store {
	return &Store{
		now:         time.Now,
		tenants:     map[int]*model.Tenant{},
		subscribers: map[int]*model.Subscriber{},
		campaigns:   map[int]*model.Campaign{},
		recipients:  map[int]*model.Recipient{},
	}
}

// SetClock replaces the clock used for created_at / updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int {
	s.seq++
	return s.seq
}

func (s *Store) Campaigns() *CampaignRepo     { return &CampaignRepo{s} }
func (s *Store) Recipients() *RecipientRepo   { return &RecipientRepo{s} }
func (s *Store) Subscribers() *SubscriberRepo { return &SubscriberRepo{s} }
func (s *Store) Tenants() *TenantRepo         { return &TenantRepo{s} }

// ====================== Fixtures ======================

func (s *Store) AddTenant(t model.Tenant) model.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID()
	}
	s.tenants[t.ID] = &t
	return t
}

func (s *Store) DeleteTenant(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
}

func (s *Store) AddSubscriber(sub model.Subscriber) model.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.nextID()
	}
	if sub.Status == "" {
		sub.Status = model.SubscriberActive
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	if sub.UnsubscribeToken == "" {
		sub.UnsubscribeToken = uuid.NewString()
	}
	s.subscribers[sub.ID] = &sub
	return sub
}

// RecipientRows returns copies of every fan-out row of a campaign, ordered by id.
func (s *Store) RecipientRows(campaignID int) []model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsLocked(campaignID)
}

func (s *Store) rowsLocked(campaignID int) []model.Recipient {
	out := []model.Recipient{}
	for _, rc := range s.recipients {
		if rc.CampaignID == campaignID {
			out = append(out, *rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ====================== Campaigns ======================

type CampaignRepo struct{ s *Store }

func (r *CampaignRepo) CreateWithRecipients(_ context.Context, c *model.Campaign, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return appErrors.ErrEmptyAudience
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, rc := range s.recipients {
		seen[rc.Token] = true
	}
	for _, rc := range recipients {
		if seen[rc.Token] {
			return fmt.Errorf("duplicate recipient token %q", rc.Token)
		}
		seen[rc.Token] = true
	}

	now := s.now()
	c.ID = s.nextID()
	c.TotalRecipients = len(recipients)
	c.SentCount = 0
	c.CreatedAt = now
	stored := *c
	s.campaigns[c.ID] = &stored

	for _, rc := range recipients {
		row := rc
		row.ID = s.nextID()
		row.CampaignID = c.ID
		row.Pending = true
		row.ClaimedUntil = nil
		row.CreatedAt = now
		s.recipients[row.ID] = &row
	}
	return nil
}

func (r *CampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) ListCampaigns(_ context.Context, offset, limit, tenantID int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	filtered := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if tenantID > 0 && c.TenantID != tenantID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func dueKey(c *model.Campaign) time.Time {
	if c.ScheduledAt != nil {
		return *c.ScheduledAt
	}
	return c.CreatedAt
}

func (r *CampaignRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := []*model.Campaign{}
	for _, c := range r.s.campaigns {
		if c.IsDispatchable(now) {
			cp := *c
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ki, kj := dueKey(due[i]), dueKey(due[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *CampaignRepo) touch(c *model.Campaign) {
	now := r.s.now()
	c.UpdatedAt = &now
}

func (r *CampaignRepo) PromoteScheduled(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			c.Status = model.CampaignQueued
			r.touch(c)
			n++
		}
	}
	return n, nil
}

func (r *CampaignRepo) MarkSending(_ context.Context, id int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[id]; ok && c.Status == model.CampaignQueued {
		c.Status = model.CampaignSending
		r.touch(c)
	}
	return nil
}

func clampSent(c *model.Campaign, n int) {
	if n > c.TotalRecipients {
		n = c.TotalRecipients
	}
	if n > c.SentCount {
		c.SentCount = n
	}
}

func (r *CampaignRepo) MarkSent(_ context.Context, id, sentCount int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || (c.Status != model.CampaignQueued && c.Status != model.CampaignSending) {
		return false, nil
	}
	clampSent(c, sentCount)
	c.Status = model.CampaignSent
	c.ErrorMessage = ""
	r.touch(c)
	return true, nil
}

func (r *CampaignRepo) MarkFailed(_ context.Context, id int, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.IsTerminal() {
		return nil
	}
	c.Status = model.CampaignFailed
	c.ErrorMessage = reason
	r.touch(c)
	return nil
}

func (r *CampaignRepo) SyncSentCount(_ context.Context, id, sentCount int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[id]; ok {
		clampSent(c, sentCount)
		r.touch(c)
	}
	return nil
}

// ====================== Recipients ======================

type RecipientRepo struct{ s *Store }

func (r *RecipientRepo) ClaimPending(_ context.Context, campaignID, limit int, now, leaseUntil time.Time) ([]model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	claimed := []model.Recipient{}
	for _, rc := range r.s.rowsLocked(campaignID) {
		if len(claimed) >= limit {
			break
		}
		if !rc.IsClaimable(now) {
			continue
		}
		row := r.s.recipients[rc.ID]
		lease := leaseUntil
		row.ClaimedUntil = &lease
		claimed = append(claimed, *row)
	}
	return claimed, nil
}

func (r *RecipientRepo) MarkSent(_ context.Context, ids []int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if rc, ok := r.s.recipients[id]; ok && rc.Pending {
			rc.Pending = false
			rc.ClaimedUntil = nil
			n++
		}
	}
	return n, nil
}

func (r *RecipientRepo) ReleaseClaims(_ context.Context, ids []int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		if rc, ok := r.s.recipients[id]; ok && rc.Pending {
			rc.ClaimedUntil = nil
		}
	}
	return nil
}

func (r *RecipientRepo) count(campaignID int, pending bool) int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rc := range r.s.recipients {
		if rc.CampaignID == campaignID && rc.Pending == pending {
			n++
		}
	}
	return n
}

func (r *RecipientRepo) CountPending(_ context.Context, campaignID int) (int, error) {
	return r.count(campaignID, true), nil
}

func (r *RecipientRepo) CountSent(_ context.Context, campaignID int) (int, error) {
	return r.count(campaignID, false), nil
}

func (r *RecipientRepo) GetByToken(_ context.Context, token string) (*model.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rc := range r.s.recipients {
		if rc.Token == token {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *RecipientRepo) DeleteByCampaign(_ context.Context, campaignID int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, rc := range r.s.recipients {
		if rc.CampaignID == campaignID {
			delete(r.s.recipients, id)
			n++
		}
	}
	return n, nil
}

func (r *RecipientRepo) DeleteForSentCampaigns(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, rc := range r.s.recipients {
		if c, ok := r.s.campaigns[rc.CampaignID]; ok && c.Status == model.CampaignSent {
			delete(r.s.recipients, id)
			n++
		}
	}
	return n, nil
}

// ====================== Subscribers / Tenants ======================

type SubscriberRepo struct{ s *Store }

func (r *SubscriberRepo) GetByID(_ context.Context, id int) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscribers[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r *SubscriberRepo) GetByUnsubscribeToken(_ context.Context, token string) (*model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subscribers {
		if sub.UnsubscribeToken == token {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *SubscriberRepo) ListAudience(_ context.Context, tenantID int, filter model.AudienceFilter) ([]model.Subscriber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.Subscriber{}
	for _, sub := range r.s.subscribers {
		if sub.TenantID == tenantID && filter.Matches(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *SubscriberRepo) Unsubscribe(_ context.Context, id int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub, ok := r.s.subscribers[id]; ok {
		sub.Status = model.SubscriberUnsubscribed
	}
	return nil
}

type TenantRepo struct{ s *Store }

func (r *TenantRepo) GetByID(_ context.Context, id int) (*model.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

var (
	_ repository.CampaignRepositoryInterface   = (*CampaignRepo)(nil)
	_ repository.RecipientRepositoryInterface  = (*RecipientRepo)(nil)
	_ repository.SubscriberRepositoryInterface = (*SubscriberRepo)(nil)
	_ repository.TenantRepositoryInterface     = (*TenantRepo)(nil)
)

package service_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/mailer"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/queue"
	"github.com/unclebandit/mailcast-backend/internal/repository/memstore"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

var discard = zerolog.New(io.Discard)

// clock is a settable time source shared by the store and the services.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSender confirms every recipient unless handle says otherwise.
type fakeSender struct {
	limit  int
	mu     sync.Mutex
	chunks [][]model.Recipient
	handle func(call int, chunk []model.Recipient) (mailer.BatchResult, error)
}

func (f *fakeSender) Limit() int { return f.limit }

func (f *fakeSender) Send(_ context.Context, chunk []model.Recipient, _ mailer.Content) (mailer.BatchResult, error) {
	f.mu.Lock()
	call := len(f.chunks)
	f.chunks = append(f.chunks, append([]model.Recipient(nil), chunk...))
	handle := f.handle
	f.mu.Unlock()

	if handle != nil {
		return handle(call, chunk)
	}
	return confirmAll(chunk), nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func confirmAll(chunk []model.Recipient) mailer.BatchResult {
	res := mailer.BatchResult{}
	for _, rc := range chunk {
		res.Sent = append(res.Sent, rc.ID)
	}
	return res
}

// recordingQueue captures published nudges.
type recordingQueue struct {
	mu        sync.Mutex
	published []any
	err       error
}

func (q *recordingQueue) Publish(_ string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, payload)
	return q.err
}

func (q *recordingQueue) Subscribe(string, queue.Handler) error { return nil }
func (q *recordingQueue) Close() error                          { return nil }

type fixture struct {
	t          *testing.T
	store      *memstore.Store
	clock      *clock
	tenant     model.Tenant
	sender     *fakeSender
	queue      *recordingQueue
	svc        *service.CampaignService
	dispatcher *service.Dispatcher
	progress   *service.ProgressReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	store.SetClock(clk.Now)

	tenant := store.AddTenant(model.Tenant{
		Name:        "Acme",
		SenderName:  "Acme News",
		SenderEmail: "news@acme.test",
		ReplyDomain: "reply.acme.test",
	})
	sender := &fakeSender{limit: 100}
	q := &recordingQueue{}

	f := &fixture{
		t:      t,
		store:  store,
		clock:  clk,
		tenant: tenant,
		sender: sender,
		queue:  q,
		svc: &service.CampaignService{
			CampaignRepo:   store.Campaigns(),
			RecipientRepo:  store.Recipients(),
			SubscriberRepo: store.Subscribers(),
			TenantRepo:     store.Tenants(),
			Renderer:       mailer.NewRenderer("https://mail.acme.test"),
			Queue:          q,
			Logger:         discard,
			Now:            clk.Now,
		},
		dispatcher: &service.Dispatcher{
			Campaigns:  store.Campaigns(),
			Recipients: store.Recipients(),
			Tenants:    store.Tenants(),
			Sender:     sender,
			Logger:     discard,
			PerRunCap:  1000,
			BatchLimit: 50,
			ClaimLease: 5 * time.Minute,
			Now:        clk.Now,
		},
		progress: &service.ProgressReporter{
			Campaigns:  store.Campaigns(),
			Recipients: store.Recipients(),
		},
	}
	return f
}

func (f *fixture) addSubscribers(n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		f.store.AddSubscriber(model.Subscriber{
			TenantID: f.tenant.ID,
			Email:    fmt.Sprintf("user%d@example.com", i),
			Name:     fmt.Sprintf("User %d", i),
		})
	}
}

func (f *fixture) enqueue(in service.EnqueueInput) *model.Campaign {
	f.t.Helper()
	if in.TenantID == 0 {
		in.TenantID = f.tenant.ID
	}
	if in.Subject == "" {
		in.Subject = "Hello {name}"
	}
	if in.Body == "" {
		in.Body = "News for **{name}**."
	}
	c, err := f.svc.Enqueue(context.Background(), in)
	if err != nil {
		f.t.Fatalf("Enqueue: %v", err)
	}
	return c
}

func (f *fixture) tick() *service.TickSummary {
	f.t.Helper()
	summary, err := f.dispatcher.Tick(context.Background())
	if err != nil {
		f.t.Fatalf("Tick: %v", err)
	}
	return summary
}

func (f *fixture) campaign(id int) *model.Campaign {
	f.t.Helper()
	c, err := f.store.Campaigns().GetByID(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetByID(%d): %v", id, err)
	}
	return c
}

// checkInvariants asserts the counters and row lifecycle rules for c.
func (f *fixture) checkInvariants(id int) {
	f.t.Helper()
	c := f.campaign(id)
	if c.SentCount < 0 || c.SentCount > c.TotalRecipients {
		f.t.Errorf("campaign %d: sent_count %d outside [0, %d]", id, c.SentCount, c.TotalRecipients)
	}
	rows := f.store.RecipientRows(id)
	if c.Status == model.CampaignSent && len(rows) != 0 {
		f.t.Errorf("campaign %d: sent with %d recipient rows left", id, len(rows))
	}
	if c.Status != model.CampaignSent && len(rows) != c.TotalRecipients {
		f.t.Errorf("campaign %d: %d rows, want %d", id, len(rows), c.TotalRecipients)
	}
}

func outcomeFor(s *service.TickSummary, campaignID int) service.CampaignOutcome {
	for _, o := range s.Campaigns {
		if o.CampaignID == campaignID {
			return o
		}
	}
	return service.CampaignOutcome{}
}

package repository_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mailcast-backend/internal/db"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository"
)

// openTestDB connects to DATABASE_URL and applies the schema. Tests using it
// are skipped when the variable is unset.
func openTestDB(t *testing.T) *repository.CampaignRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres repository tests")
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &repository.CampaignRepository{DB: conn}
}

func createCampaign(t *testing.T, repo *repository.CampaignRepository, scheduledAt time.Time, n int) *model.Campaign {
	t.Helper()
	c := &model.Campaign{TenantID: 1, Subject: "s", Body: "b", Status: model.CampaignQueued, ScheduledAt: &scheduledAt}
	rows := make([]model.Recipient, n)
	for i := range rows {
		rows[i] = model.Recipient{
			SubscriberID:     i + 1,
			Address:          fmt.Sprintf("pg%d@example.com", i),
			Token:            uuid.NewString(),
			UnsubscribeToken: uuid.NewString(),
		}
	}
	if err := repo.CreateWithRecipients(context.Background(), c, rows); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		repo.DB.Exec(`DELETE FROM campaigns WHERE id=$1`, c.ID)
	})
	return c
}

func TestPostgresClaimPendingIsDisjointUnderConcurrency(t *testing.T) {
	campaigns := openTestDB(t)
	recipients := &repository.RecipientRepository{DB: campaigns.DB}
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), 20)

	now := time.Now()
	lease := now.Add(time.Minute)
	var (
		mu    sync.Mutex
		seen  = map[int]int{}
		wg    sync.WaitGroup
		errCh = make(chan error, 4)
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := recipients.ClaimPending(context.Background(), c.ID, 10, now, lease)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, rc := range claimed {
				seen[rc.ID]++
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("claim: %v", err)
	}

	if len(seen) != 20 {
		t.Errorf("claimed %d distinct rows, want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("row %d claimed %d times", id, n)
		}
	}

	// Leased rows are invisible until the lease lapses.
	again, err := recipients.ClaimPending(context.Background(), c.ID, 50, now, lease)
	if err != nil || len(again) != 0 {
		t.Fatalf("claim during lease: %d rows, err %v", len(again), err)
	}
	expired, err := recipients.ClaimPending(context.Background(), c.ID, 50, lease.Add(time.Second), lease.Add(time.Hour))
	if err != nil || len(expired) != 20 {
		t.Fatalf("claim after lease: %d rows, err %v", len(expired), err)
	}
	for i := 1; i < len(expired); i++ {
		if expired[i-1].ID >= expired[i].ID {
			t.Fatalf("claim not ordered by id at %d", i)
		}
	}
	if expired[0].UnsubscribeToken == "" {
		t.Error("unsubscribe token not stored with the row")
	}
}

func TestPostgresListDueOrderAndUnlimited(t *testing.T) {
	campaigns := openTestDB(t)
	base := time.Now().Add(-72 * time.Hour).Truncate(time.Second)
	third := createCampaign(t, campaigns, base.Add(2*time.Hour), 1)
	first := createCampaign(t, campaigns, base, 1)
	second := createCampaign(t, campaigns, base.Add(time.Hour), 1)
	future := createCampaign(t, campaigns, time.Now().Add(time.Hour), 1)

	due, err := campaigns.ListDue(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	var order []int
	for _, c := range due {
		switch c.ID {
		case first.ID, second.ID, third.ID:
			order = append(order, c.ID)
		case future.ID:
			t.Errorf("campaign scheduled in the future listed as due")
		}
	}
	want := []int{first.ID, second.ID, third.ID}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}

	one, err := campaigns.ListDue(context.Background(), time.Now(), 1)
	if err != nil || len(one) != 1 {
		t.Fatalf("ListDue limit 1: %d rows, err %v", len(one), err)
	}
}

func TestPostgresMarkSentReportsTransition(t *testing.T) {
	campaigns := openTestDB(t)
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), 2)
	ctx := context.Background()

	moved, err := campaigns.MarkSent(ctx, c.ID, 5)
	if err != nil || !moved {
		t.Fatalf("MarkSent = %v, %v", moved, err)
	}
	got, _ := campaigns.GetByID(ctx, c.ID)
	if got.Status != model.CampaignSent || got.SentCount != 2 {
		t.Errorf("status=%s sent=%d", got.Status, got.SentCount)
	}
	if moved, _ := campaigns.MarkSent(ctx, c.ID, 2); moved {
		t.Error("MarkSent moved an already sent campaign")
	}
}

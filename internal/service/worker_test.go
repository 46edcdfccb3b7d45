package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	appErrors "github.com/unclebandit/mailcast-backend/internal/errors"
	"github.com/unclebandit/mailcast-backend/internal/queue"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

// blockingTicker holds each tick until release is closed.
type blockingTicker struct {
	started  chan struct{}
	release  chan struct{}
	deadline bool
}

func (b *blockingTicker) Tick(ctx context.Context) (*service.TickSummary, error) {
	_, b.deadline = ctx.Deadline()
	b.started <- struct{}{}
	<-b.release
	return &service.TickSummary{}, nil
}

func TestRunnerRejectsOverlappingTicks(t *testing.T) {
	bt := &blockingTicker{started: make(chan struct{}, 1), release: make(chan struct{})}
	r := service.NewRunner(bt, time.Minute, discard)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background())
		done <- err
	}()
	<-bt.started

	if _, err := r.RunOnce(context.Background()); !errors.Is(err, appErrors.ErrTickInProgress) {
		t.Errorf("overlapping RunOnce err = %v, want ErrTickInProgress", err)
	}

	close(bt.release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if !bt.deadline {
		t.Error("tick ran without the configured timeout")
	}

	// the lock is free again
	bt.release = make(chan struct{})
	close(bt.release)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce after release: %v", err)
	}
}

func TestRunnerTicksOnNudge(t *testing.T) {
	f := newFixture(t)
	f.addSubscribers(2)

	q := queue.NewInMemoryQueue(discard)
	r := service.NewRunner(f.dispatcher, 0, discard)
	if err := r.SubscribeNudges(q); err != nil {
		t.Fatalf("SubscribeNudges: %v", err)
	}
	f.svc.Queue = q

	c := f.enqueue(service.EnqueueInput{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := f.progress.GetStatus(context.Background(), c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if p.Terminal {
			if p.SentCount != 2 {
				t.Errorf("sent_count = %d", p.SentCount)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("nudge did not trigger a tick")
}

func TestRunnerStartCron(t *testing.T) {
	r := service.NewRunner(&blockingTicker{}, 0, discard)
	if err := r.StartCron("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := r.StartCron(""); err != nil {
		t.Errorf("empty schedule: %v", err)
	}
	r.Stop()
}

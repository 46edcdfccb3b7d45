package queue

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

func TestInMemoryQueueDeliversJSON(t *testing.T) {
	q := NewInMemoryQueue(zerolog.New(io.Discard))
	got := make(chan DispatchNudge, 1)
	if err := q.Subscribe(TopicDispatchTick, func(body []byte) error {
		var n DispatchNudge
		if err := json.Unmarshal(body, &n); err != nil {
			return err
		}
		got <- n
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := q.Publish(TopicDispatchTick, DispatchNudge{CampaignID: 42}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case n := <-got:
		if n.CampaignID != 42 {
			t.Errorf("CampaignID = %d, want 42", n.CampaignID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestInMemoryQueueRetriesFailedJobs(t *testing.T) {
	q := NewInMemoryQueue(zerolog.New(io.Discard))
	q.Backoff = time.Millisecond

	attempts := make(chan int, 10)
	n := 0
	q.Subscribe("t", func([]byte) error {
		n++
		attempts <- n
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err := q.Publish("t", 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-attempts:
			if a == 3 {
				return
			}
		case <-deadline:
			t.Fatal("job not retried to success")
		}
	}
}

func TestInMemoryQueueWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(zerolog.New(io.Discard))
	if err := q.Publish("nobody", 1); err == nil {
		t.Fatal("expected error for topic without subscribers")
	}
}

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked, f.requeue = true, requeue
	return nil
}
func (f *fakeAck) Reject(_ uint64, requeue bool) error {
	f.nacked, f.requeue = true, requeue
	return nil
}

func TestAMQPDeliverAcks(t *testing.T) {
	q := &AMQPQueue{logger: zerolog.New(io.Discard)}

	tests := []struct {
		name        string
		redelivered bool
		handlerErr  error
		wantAck     bool
		wantRequeue bool
	}{
		{"success", false, nil, true, false},
		{"first failure requeues", false, errors.New("x"), false, true},
		{"failed redelivery dropped", true, errors.New("x"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			d := amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Redelivered: tt.redelivered, Body: []byte(`{}`)}
			q.deliver(d, func([]byte) error { return tt.handlerErr })
			if ack.acked != tt.wantAck {
				t.Errorf("acked = %v, want %v", ack.acked, tt.wantAck)
			}
			if !tt.wantAck && (!ack.nacked || ack.requeue != tt.wantRequeue) {
				t.Errorf("nacked = %v requeue = %v, want requeue %v", ack.nacked, ack.requeue, tt.wantRequeue)
			}
		})
	}
}

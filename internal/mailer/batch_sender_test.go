package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

// fakeProvider records calls and answers with a configurable response.
type fakeProvider struct {
	max     int
	calls   [][]Message
	respond func(msgs []Message) (BatchResponse, error)
	sent    []Message
}

func (f *fakeProvider) Name() string      { return "fake" }
func (f *fakeProvider) MaxBatchSize() int { return f.max }

func (f *fakeProvider) SendBatch(_ context.Context, msgs []Message) (BatchResponse, error) {
	f.calls = append(f.calls, msgs)
	if f.respond != nil {
		return f.respond(msgs)
	}
	out := BatchResponse{Accepted: len(msgs)}
	for i := range msgs {
		out.Outcomes = append(out.Outcomes, Outcome{MessageID: fmt.Sprintf("m%d", i)})
	}
	return out, nil
}

func (f *fakeProvider) Send(_ context.Context, msg Message) (string, error) {
	f.sent = append(f.sent, msg)
	return "single-1", nil
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ID:      i + 1,
			Address: fmt.Sprintf("r%d@example.com", i+1),
			Token:   fmt.Sprintf("tok-%d", i+1),
			Pending: true,
		}
	}
	return out
}

func newSender(p Provider, limit int) *BatchSender {
	return NewBatchSender(p, NewRenderer("https://mail.example.com"), limit, 1000, zerolog.New(io.Discard))
}

func TestBatchSenderClampsLimit(t *testing.T) {
	s := newSender(&fakeProvider{max: 10}, 50)
	if s.Limit() != 10 {
		t.Errorf("Limit = %d, want 10", s.Limit())
	}
	s = newSender(&fakeProvider{max: 10}, 0)
	if s.Limit() != 10 {
		t.Errorf("Limit = %d, want provider max", s.Limit())
	}
}

func TestBatchSenderRejectsOversizedChunk(t *testing.T) {
	p := &fakeProvider{max: 2}
	_, err := newSender(p, 2).Send(context.Background(), recipients(3), testContent(false))
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err = %v, want ErrBatchTooLarge", err)
	}
	if len(p.calls) != 0 {
		t.Errorf("provider called %d times", len(p.calls))
	}
}

func TestBatchSenderAllConfirmed(t *testing.T) {
	p := &fakeProvider{max: 100}
	res, err := newSender(p, 50).Send(context.Background(), recipients(3), testContent(false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(p.calls) != 1 || len(p.calls[0]) != 3 {
		t.Fatalf("calls = %v", p.calls)
	}
	if len(res.Sent) != 3 || res.Positional || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestBatchSenderMatchesByIndex(t *testing.T) {
	p := &fakeProvider{max: 100, respond: func(msgs []Message) (BatchResponse, error) {
		return BatchResponse{Outcomes: []Outcome{
			{MessageID: "a"},
			{Error: "mailbox full"},
			{MessageID: "c"},
		}}, nil
	}}
	res, err := newSender(p, 50).Send(context.Background(), recipients(3), testContent(false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fmt.Sprint(res.Sent) != "[1 3]" {
		t.Errorf("Sent = %v, want [1 3]", res.Sent)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "mailbox full") {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestBatchSenderMatchesByRef(t *testing.T) {
	p := &fakeProvider{max: 100, respond: func(msgs []Message) (BatchResponse, error) {
		// out of request order, second recipient rejected
		return BatchResponse{Outcomes: []Outcome{
			{Ref: msgs[2].Ref, MessageID: "c"},
			{Ref: msgs[1].Ref, Error: "bounced"},
			{Ref: msgs[0].Ref, MessageID: "a"},
		}}, nil
	}}
	res, err := newSender(p, 50).Send(context.Background(), recipients(3), testContent(false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fmt.Sprint(res.Sent) != "[3 1]" {
		t.Errorf("Sent = %v, want [3 1]", res.Sent)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestBatchSenderPositionalFallback(t *testing.T) {
	p := &fakeProvider{max: 100, respond: func(msgs []Message) (BatchResponse, error) {
		return BatchResponse{Accepted: 2, Errors: []string{"one rejected"}}, nil
	}}
	res, err := newSender(p, 50).Send(context.Background(), recipients(3), testContent(false))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Positional {
		t.Error("Positional = false, want true")
	}
	if fmt.Sprint(res.Sent) != "[1 2]" {
		t.Errorf("Sent = %v, want first two recipients", res.Sent)
	}
	if len(res.Errors) != 1 {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestBatchSenderProviderFailure(t *testing.T) {
	boom := errors.New("connection refused")
	p := &fakeProvider{max: 100, respond: func([]Message) (BatchResponse, error) {
		return BatchResponse{}, boom
	}}
	_, err := newSender(p, 50).Send(context.Background(), recipients(2), testContent(false))
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("ProviderError does not wrap cause")
	}
}

func TestBatchSenderEmptyChunk(t *testing.T) {
	p := &fakeProvider{max: 100}
	res, err := newSender(p, 50).Send(context.Background(), nil, testContent(false))
	if err != nil || len(res.Sent) != 0 || len(p.calls) != 0 {
		t.Fatalf("res=%+v err=%v calls=%d", res, err, len(p.calls))
	}
}

func TestSendTestUsesSingleSend(t *testing.T) {
	p := &fakeProvider{max: 100}
	id, err := newSender(p, 50).SendTest(context.Background(), "me@example.com", "Me", testContent(true))
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if id != "single-1" {
		t.Errorf("id = %q", id)
	}
	if len(p.calls) != 0 || len(p.sent) != 1 {
		t.Fatalf("batch calls=%d single sends=%d", len(p.calls), len(p.sent))
	}
	if got := p.sent[0].Subject; got != "[Test] Hello Me" {
		t.Errorf("Subject = %q", got)
	}
}

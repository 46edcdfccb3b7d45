package mailer

import (
	"context"
	"fmt"
)

// Message is one fully rendered email addressed to a single recipient.
type Message struct {
	// Ref identifies the recipient row the message was rendered for.
	Ref     string
	To      string
	From    string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Outcome is the provider's verdict for one message of a batch.
type Outcome struct {
	// Ref echoes Message.Ref when the provider reports it; otherwise the
	// outcome is matched by its index in the request.
	Ref       string
	MessageID string
	Error     string
}

type BatchResponse struct {
	// Outcomes holds per-message results when the provider reports them.
	Outcomes []Outcome
	// Accepted is the success count reported by providers that give nothing finer.
	Accepted int
	Errors   []string
}

// Provider is the external bulk-send API.
type Provider interface {
	Name() string
	// MaxBatchSize is the most messages one SendBatch call accepts.
	MaxBatchSize() int
	// SendBatch submits msgs as one provider call. An error means the whole
	// call failed and nothing was sent.
	SendBatch(ctx context.Context, msgs []Message) (BatchResponse, error)
	// Send delivers a single message and returns the provider message id.
	Send(ctx context.Context, msg Message) (string, error)
}

// ProviderError marks a total call failure (network, auth, rate limit wait).
// Recipients of the failed call stay pending and are retried by a later tick.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

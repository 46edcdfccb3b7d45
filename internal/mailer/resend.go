package mailer

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// resendBatchLimit is the Resend batch API's per-call maximum.
const resendBatchLimit = 100

// ResendProvider sends email via the Resend API.
type ResendProvider struct {
	client *resend.Client
}

func NewResendProvider(apiKey string) *ResendProvider {
	return &ResendProvider{client: resend.NewClient(apiKey)}
}

func (p *ResendProvider) Name() string      { return "resend" }
func (p *ResendProvider) MaxBatchSize() int { return resendBatchLimit }

func toResendRequest(m Message) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    m.From,
		To:      []string{m.To},
		Subject: m.Subject,
		Html:    m.HTML,
		Text:    m.Text,
		Headers: m.Headers,
	}
	if m.ReplyTo != "" {
		req.ReplyTo = m.ReplyTo
	}
	return req
}

// SendBatch uses the batch endpoint. Resend validates the batch as a whole:
// it either rejects the call or returns one id per message in request order,
// so outcomes are aligned by index.
func (p *ResendProvider) SendBatch(ctx context.Context, msgs []Message) (BatchResponse, error) {
	if len(msgs) == 0 {
		return BatchResponse{}, nil
	}
	if len(msgs) > resendBatchLimit {
		return BatchResponse{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(msgs), resendBatchLimit)
	}

	params := make([]*resend.SendEmailRequest, 0, len(msgs))
	for _, m := range msgs {
		params = append(params, toResendRequest(m))
	}

	resp, err := p.client.Batch.SendWithContext(ctx, params)
	if err != nil {
		return BatchResponse{}, err
	}

	out := BatchResponse{Outcomes: make([]Outcome, len(msgs))}
	for i := range msgs {
		if i < len(resp.Data) {
			out.Outcomes[i] = Outcome{MessageID: resp.Data[i].Id}
			continue
		}
		out.Outcomes[i] = Outcome{Error: "not acknowledged by provider"}
	}
	out.Accepted = len(resp.Data)
	return out, nil
}

func (p *ResendProvider) Send(ctx context.Context, msg Message) (string, error) {
	sent, err := p.client.Emails.SendWithContext(ctx, toResendRequest(msg))
	if err != nil {
		return "", err
	}
	return sent.Id, nil
}

var _ Provider = (*ResendProvider)(nil)

package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/mailcast-backend/internal/model"
)

var ErrBatchTooLarge = errors.New("batch exceeds provider limit")

// BatchResult reports which recipients of a chunk the provider confirmed.
type BatchResult struct {
	// Sent holds the ids of confirmed recipient rows.
	Sent   []int
	Errors []string
	// Positional is set when the provider only reported a count and the first
	// len(Sent) recipients of the chunk were assumed to be the successes.
	Positional bool
}

func (r BatchResult) SentCount() int { return len(r.Sent) }

// BatchSender renders chunks of recipients and submits each chunk as one
// rate-limited provider call.
type BatchSender struct {
	provider Provider
	renderer *Renderer
	limiter  *rate.Limiter
	limit    int
	logger   zerolog.Logger
}

// NewBatchSender caps batchLimit at the provider's maximum.
func NewBatchSender(p Provider, r *Renderer, batchLimit int, perSecond float64, logger zerolog.Logger) *BatchSender {
	if batchLimit <= 0 || batchLimit > p.MaxBatchSize() {
		batchLimit = p.MaxBatchSize()
	}
	return &BatchSender{
		provider: p,
		renderer: r,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		limit:    batchLimit,
		logger:   logger.With().Str("component", "batch_sender").Str("provider", p.Name()).Logger(),
	}
}

// Limit is the largest chunk Send accepts.
func (b *BatchSender) Limit() int { return b.limit }

func (b *BatchSender) Renderer() *Renderer { return b.renderer }

// Send renders one message per recipient and submits the chunk as a single
// provider call. It returns an error only when nothing could be submitted; a
// *ProviderError means the call itself failed and may be retried.
func (b *BatchSender) Send(ctx context.Context, chunk []model.Recipient, content Content) (BatchResult, error) {
	if len(chunk) == 0 {
		return BatchResult{}, nil
	}
	if len(chunk) > b.limit {
		return BatchResult{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(chunk), b.limit)
	}

	prepared, err := b.renderer.Prepare(content)
	if err != nil {
		return BatchResult{}, err
	}
	msgs := make([]Message, 0, len(chunk))
	for _, rc := range chunk {
		m, err := prepared.Personalize(rc)
		if err != nil {
			return BatchResult{}, fmt.Errorf("render recipient %d: %w", rc.ID, err)
		}
		msgs = append(msgs, m)
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return BatchResult{}, &ProviderError{Provider: b.provider.Name(), Err: err}
	}
	resp, err := b.provider.SendBatch(ctx, msgs)
	if err != nil {
		return BatchResult{}, &ProviderError{Provider: b.provider.Name(), Err: err}
	}

	res := b.match(chunk, msgs, resp)
	b.logger.Debug().Int("chunk", len(chunk)).Int("sent", res.SentCount()).Int("errors", len(res.Errors)).Msg("batch submitted")
	return res, nil
}

// match maps provider results back to recipient rows: by echoed ref, then by
// request index, and only as a last resort by position of the accepted count.
func (b *BatchSender) match(chunk []model.Recipient, msgs []Message, resp BatchResponse) BatchResult {
	res := BatchResult{Errors: append([]string(nil), resp.Errors...)}

	if len(resp.Outcomes) == 0 {
		n := resp.Accepted
		if n < 0 {
			n = 0
		}
		if n > len(chunk) {
			n = len(chunk)
		}
		for _, rc := range chunk[:n] {
			res.Sent = append(res.Sent, rc.ID)
		}
		res.Positional = true
		if n < len(chunk) {
			b.logger.Warn().Int("accepted", n).Int("chunk", len(chunk)).
				Msg("provider reported a partial count without per-message results; assuming leading recipients succeeded")
		}
		return res
	}

	byRef := make(map[string]int, len(msgs))
	for i, m := range msgs {
		byRef[m.Ref] = i
	}
	confirmed := make(map[int]bool, len(chunk))
	for i, o := range resp.Outcomes {
		idx := i
		if o.Ref != "" {
			j, ok := byRef[o.Ref]
			if !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("provider returned unknown ref %q", o.Ref))
				continue
			}
			idx = j
		} else if i >= len(chunk) {
			break
		}
		rc := chunk[idx]
		if o.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", rc.Address, o.Error))
			continue
		}
		if !confirmed[rc.ID] {
			confirmed[rc.ID] = true
			res.Sent = append(res.Sent, rc.ID)
		}
	}
	return res
}

// SendTest delivers one rendered message through the provider's single-send
// call. It shares rendering with the batch path but touches no stored rows.
func (b *BatchSender) SendTest(ctx context.Context, to, name string, content Content) (string, error) {
	prepared, err := b.renderer.Prepare(content)
	if err != nil {
		return "", err
	}
	msg, err := prepared.Personalize(model.Recipient{
		Address: to,
		Name:    name,
		Token:   "test-" + uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	msg.Subject = "[Test] " + msg.Subject

	if err := b.limiter.Wait(ctx); err != nil {
		return "", &ProviderError{Provider: b.provider.Name(), Err: err}
	}
	id, err := b.provider.Send(ctx, msg)
	if err != nil {
		return "", &ProviderError{Provider: b.provider.Name(), Err: err}
	}
	b.logger.Info().Str("to", to).Str("message_id", id).Msg("test email sent")
	return id, nil
}

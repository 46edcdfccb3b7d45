package mailer

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogProvider logs messages instead of delivering them. It backs local
// development when no provider key is configured.
type LogProvider struct {
	Logger zerolog.Logger
}

func (p *LogProvider) Name() string      { return "log" }
func (p *LogProvider) MaxBatchSize() int { return resendBatchLimit }

func (p *LogProvider) SendBatch(_ context.Context, msgs []Message) (BatchResponse, error) {
	out := BatchResponse{Outcomes: make([]Outcome, len(msgs)), Accepted: len(msgs)}
	for i, m := range msgs {
		id := "log-" + uuid.NewString()
		p.Logger.Info().Str("message_id", id).Str("to", m.To).Str("subject", m.Subject).Msg("email not delivered (log provider)")
		out.Outcomes[i] = Outcome{Ref: m.Ref, MessageID: id}
	}
	return out, nil
}

func (p *LogProvider) Send(_ context.Context, m Message) (string, error) {
	id := "log-" + uuid.NewString()
	p.Logger.Info().Str("message_id", id).Str("to", m.To).Str("subject", m.Subject).Msg("test email not delivered (log provider)")
	return id, nil
}

var _ Provider = (*LogProvider)(nil)

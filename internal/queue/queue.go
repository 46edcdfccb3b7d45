package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicDispatchTick carries nudges asking a worker to run a dispatcher tick.
const TopicDispatchTick = "dispatch.tick"

// Handler processes one message body. A returned error asks the queue to
// redeliver.
type Handler func(body []byte) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// DispatchNudge is published after an immediate campaign is enqueued.
type DispatchNudge struct {
	CampaignID int       `json:"campaign_id"`
	At         time.Time `json:"at"`
}

// InMemoryQueue delivers to in-process subscribers with retry.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	logger   zerolog.Logger

	MaxRetries int
	Backoff    time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(logger zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		logger:     logger.With().Str("component", "queue").Logger(),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[topic]...)
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.processJob(handler, job{topic: topic, body: body})
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, j job) {
	for {
		err := handler(j.body)
		if err == nil {
			q.logger.Debug().Str("topic", j.topic).Msg("job processed")
			return
		}

		j.retryCount++
		if j.retryCount > q.MaxRetries {
			q.logger.Error().Err(err).Str("topic", j.topic).Int("attempts", j.retryCount).Msg("job permanently failed")
			return
		}
		q.logger.Warn().Err(err).Str("topic", j.topic).Int("attempt", j.retryCount).Msg("job failed, retrying")

		// linear backoff
		time.Sleep(time.Duration(j.retryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

func (q *InMemoryQueue) Close() error { return nil }

var _ Queue = (*InMemoryQueue)(nil)

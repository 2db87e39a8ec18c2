package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// CommandAction is what a remote runner process should do with a campaign.
type CommandAction string

const (
	CommandWake CommandAction = "wake"
	CommandStop CommandAction = "stop"
)

// Command is the control message exchanged between the API and runner processes.
type Command struct {
	Action     CommandAction `json:"action"`
	CampaignID int64         `json:"campaign_id"`
	IssuedAt   time.Time     `json:"issued_at"`
}

// decodeCommand accepts a Command value or its JSON encoding.
func decodeCommand(payload any) (Command, error) {
	switch p := payload.(type) {
	case Command:
		return p, nil
	case *Command:
		return *p, nil
	case []byte:
		var c Command
		err := json.Unmarshal(p, &c)
		return c, err
	default:
		return Command{}, fmt.Errorf("unexpected payload type %T", payload)
	}
}

// InMemoryQueue delivers to in-process subscribers with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]func(payload any) error
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		log:        log,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.processJob(handler, JobPayload{Topic: topic, Payload: payload, MaxRetries: q.maxRetries})
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	for job.RetryCount <= job.MaxRetries {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		q.log.Warn("job failed",
			zap.String("topic", job.Topic),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err),
		)
		if job.RetryCount > job.MaxRetries {
			q.log.Error("job permanently failed", zap.String("topic", job.Topic), zap.Any("payload", job.Payload))
			return
		}

		// linear backoff
		time.Sleep(time.Duration(job.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)

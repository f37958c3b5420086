package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one payload. A non-nil error asks for a retry.
type Handler func(payload any) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// InMemoryQueue delivers each message to every subscriber of its topic on a
// separate goroutine, retrying failed handlers with linear backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup

	MaxRetries int
	Backoff    time.Duration
	logger     *zap.Logger
}

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		logger:     logger,
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

	job := JobPayload{
		Topic:      topic,
		Payload:    payload,
		MaxRetries: q.MaxRetries,
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, job)
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job JobPayload) {
	defer q.wg.Done()
	for {
		err := handler(job.Payload)
		if err == nil {
			return // ACK
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.logger.Error("job permanently failed",
				zap.String("topic", job.Topic), zap.Int("attempts", job.RetryCount), zap.Error(err))
			return // No requeue
		}
		q.logger.Warn("job failed, retrying",
			zap.String("topic", job.Topic), zap.Int("attempt", job.RetryCount), zap.Error(err))

		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) Close() error {
	q.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)

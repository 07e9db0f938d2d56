package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/helixir/literature-pipeline/internal/domain"
)

var (
	// ErrQueueClosed is returned by a queue after Close.
	ErrQueueClosed = errors.New("job queue closed")

	// ErrQueueFull is returned when an in-memory queue has no free slot.
	ErrQueueFull = errors.New("job queue full")
)

// Message is the unit of work handed from the engine to a runner.
type Message struct {
	JobID     uuid.UUID
	ProjectID uuid.UUID
	Kind      domain.JobKind
	Payload   json.RawMessage

	// ack is set by queues that track delivery, such as KafkaQueue.
	ack func(ctx context.Context) error
}

// Ack tells the queue the message has been taken over and must not be redelivered.
// The runner acknowledges once the job is claimed or found no longer pending.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Queue carries job messages. Delivery is at least once: a message dequeued but never
// acknowledged may be delivered again, and Claim absorbs the duplicate.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (Message, error)
	Close() error
}

// MemoryQueue is a buffered in-process queue for single-process deployments.
type MemoryQueue struct {
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to buffer pending messages.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{
		messages: make(chan Message, buffer),
		done:     make(chan struct{}),
	}
}

// Enqueue adds msg without blocking. A full buffer is reported as ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.messages <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	default:
		return ErrQueueFull
	}
}

// Dequeue waits for the next message.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-q.done:
		return Message{}, ErrQueueClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len returns the number of pending messages.
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}

// Close stops the queue. Pending messages are dropped and their jobs stay pending
// until cancelled.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

// JobID identifies one enqueued job inside the queue.
type JobID string

// Envelope is the immutable description of one deferred unit of work:
// create the product record once the uploaded blob has been durably stored.
// The envelope carries the blob path, never the image bytes. ID is fixed at
// construction and doubles as the idempotency key for the eventual persist.
type Envelope struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Image       string    `json:"image"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempt     int       `json:"attempt"`
}

// NewEnvelope builds an envelope from validated product fields.
// Validation failures are caught here, before enqueue, so a job that can
// never succeed is rejected without spending retry budget.
func NewEnvelope(fields ProductFields) (*Envelope, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	return &Envelope{
		ID:          uuid.New().String(),
		Name:        fields.Name,
		Description: fields.Description,
		Price:       fields.Price,
		Image:       fields.Image,
		EnqueuedAt:  time.Now(),
	}, nil
}

// Validate re-checks the payload on the worker side. This is defensive:
// an envelope that fails here is routed straight to the dead-letter state.
func (e *Envelope) Validate() error {
	if e.Name == "" {
		return ErrInvalidProductName
	}
	if e.Price < 0 {
		return ErrInvalidProductPrice
	}
	return nil
}

// Fields returns the product fields carried by the envelope.
func (e *Envelope) Fields() ProductFields {
	return ProductFields{
		Name:        e.Name,
		Description: e.Description,
		Price:       e.Price,
		Image:       e.Image,
	}
}

// Marshal serializes the envelope for transport.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an envelope from its transport form.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetter is the terminal state of a job that exhausted its attempt
// budget or was discarded as unprocessable. It requires operator handling
// and is never silently dropped.
type DeadLetter struct {
	JobID    JobID     `json:"job_id"`
	Envelope *Envelope `json:"envelope"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// QueueStats exposes queue depth for health checks and metrics.
type QueueStats struct {
	Pending    int
	Inflight   int
	DeadLetter int
}

// JobQueue is the delivery channel between the product service and the
// image-ingest workers. Delivery is at-least-once: an enqueued job is
// delivered one or more times until acked, discarded, or dead-lettered.
// No FIFO ordering is guaranteed across jobs; the queue only guarantees
// that a job is owned by at most one consumer between Dequeue and the
// matching Ack/Fail/Discard.
type JobQueue interface {
	// Enqueue durably records the envelope before returning. Returns
	// ErrQueueFull when the pending budget is exhausted.
	Enqueue(ctx context.Context, envelope *Envelope) (JobID, error)

	// Dequeue blocks until a job is available or ctx is done, and hands
	// exclusive ownership of the job to the caller. The returned envelope
	// reflects the current delivery attempt.
	Dequeue(ctx context.Context) (JobID, *Envelope, error)

	// Ack marks the job permanently complete. Acking an unknown or
	// already-acked job is a no-op.
	Ack(ctx context.Context, id JobID) error

	// Fail returns the job for redelivery with backoff, or moves it to the
	// dead-letter state once the attempt budget is exhausted.
	Fail(ctx context.Context, id JobID, reason string) error

	// Discard moves the job straight to the dead-letter state without
	// further delivery attempts.
	Discard(ctx context.Context, id JobID, reason string) error

	// DeadLetters lists jobs in the dead-letter state.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	// Stats reports current queue depth.
	Stats(ctx context.Context) (QueueStats, error)
}

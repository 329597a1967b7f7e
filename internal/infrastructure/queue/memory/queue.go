package memory

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

type jobState int

const (
	statePending jobState = iota
	stateDelayed
	stateInflight
	stateDead
)

type job struct {
	id       domain.JobID
	envelope *domain.Envelope
	state    jobState
	// attempts counts deliveries, starting at 0 before the first dequeue.
	attempts  int
	notBefore time.Time // earliest visibility while delayed
	deadline  time.Time // ack deadline while inflight
	reason    string
	failedAt  time.Time
}

// Config holds queue tuning knobs.
type Config struct {
	// MaxPending bounds pending+inflight jobs; Enqueue beyond it fails
	// with domain.ErrQueueFull.
	MaxPending  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AckWait is the visibility timeout: an inflight job not acked within
	// it is treated as abandoned and requeued by the sweeper.
	AckWait       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxPending:    1024,
		MaxAttempts:   5,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
		AckWait:       30 * time.Second,
		SweepInterval: 100 * time.Millisecond,
	}
}

// Queue is an in-process implementation of domain.JobQueue. It guarantees
// single-owner delivery under concurrent dequeuers and at-least-once
// redelivery via the visibility timeout, but is durable only for the
// lifetime of the process; the NATS driver covers cross-process durability.
type Queue struct {
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[domain.JobID]*job
	ready  []domain.JobID
	dead   []domain.JobID
	closed bool

	notify chan struct{}

	jobsEnqueued     metric.Int64Counter
	jobsAcked        metric.Int64Counter
	jobsRetried      metric.Int64Counter
	jobsDeadLettered metric.Int64Counter
	jobsPending      metric.Int64UpDownCounter
}

var _ domain.JobQueue = (*Queue)(nil)

// NewQueue creates a new in-memory job queue.
func NewQueue(cfg Config, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) *Queue {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultConfig().AckWait
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	jobsEnqueued, _ := meter.Int64Counter(
		"jobs.enqueued.total",
		metric.WithDescription("Total number of jobs enqueued"),
	)
	jobsAcked, _ := meter.Int64Counter(
		"jobs.acked.total",
		metric.WithDescription("Total number of jobs acknowledged"),
	)
	jobsRetried, _ := meter.Int64Counter(
		"jobs.retried.total",
		metric.WithDescription("Total number of job redeliveries scheduled"),
	)
	jobsDeadLettered, _ := meter.Int64Counter(
		"jobs.dead_lettered.total",
		metric.WithDescription("Total number of jobs moved to the dead-letter state"),
	)
	jobsPending, _ := meter.Int64UpDownCounter(
		"jobs.pending",
		metric.WithDescription("Jobs currently pending or inflight"),
	)

	return &Queue{
		cfg:              cfg,
		tracer:           tracer,
		logger:           logger,
		jobs:             make(map[domain.JobID]*job),
		notify:           make(chan struct{}, 1),
		jobsEnqueued:     jobsEnqueued,
		jobsAcked:        jobsAcked,
		jobsRetried:      jobsRetried,
		jobsDeadLettered: jobsDeadLettered,
		jobsPending:      jobsPending,
	}
}

// Start runs the sweeper that makes delayed jobs visible and requeues
// inflight jobs whose ack deadline expired (crash/stall recovery).
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.sweep(ctx)
			}
		}
	}()
}

// Close disallows further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Enqueue records the envelope and makes it available for delivery.
func (q *Queue) Enqueue(ctx context.Context, envelope *domain.Envelope) (domain.JobID, error) {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Enqueue")
	defer span.End()

	span.SetAttributes(attribute.String("job.envelope_id", envelope.ID))

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		span.RecordError(domain.ErrQueueClosed)
		span.SetStatus(codes.Error, "Queue closed")
		return "", domain.ErrQueueClosed
	}
	if len(q.jobs)-len(q.dead) >= q.cfg.MaxPending {
		q.mu.Unlock()
		span.RecordError(domain.ErrQueueFull)
		span.SetStatus(codes.Error, "Queue full")
		q.logger.WarnContext(ctx, "Job queue full, rejecting enqueue",
			slog.String("envelope_id", envelope.ID),
			slog.Int("max_pending", q.cfg.MaxPending),
		)
		return "", domain.ErrQueueFull
	}

	id := domain.JobID(uuid.New().String())
	stored := *envelope
	q.jobs[id] = &job{
		id:       id,
		envelope: &stored,
		state:    statePending,
	}
	q.ready = append(q.ready, id)
	q.mu.Unlock()

	q.signal()

	q.jobsEnqueued.Add(ctx, 1)
	q.jobsPending.Add(ctx, 1)

	q.logger.InfoContext(ctx, "Job enqueued",
		slog.String("job_id", string(id)),
		slog.String("envelope_id", envelope.ID),
	)

	span.SetAttributes(attribute.String("job.id", string(id)))
	span.SetStatus(codes.Ok, "Job enqueued")
	return id, nil
}

// Dequeue blocks until a job is available or ctx is done. The returned
// envelope is a copy owned by the caller; its Attempt field reflects the
// current delivery.
func (q *Queue) Dequeue(ctx context.Context) (domain.JobID, *domain.Envelope, error) {
	for {
		if id, envelope, ok := q.tryDequeue(); ok {
			return id, envelope, nil
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-q.notify:
		case <-time.After(q.cfg.SweepInterval):
		}
	}
}

func (q *Queue) tryDequeue() (domain.JobID, *domain.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		j, ok := q.jobs[id]
		if !ok || j.state != statePending {
			continue
		}

		j.attempts++
		j.state = stateInflight
		j.deadline = time.Now().Add(q.cfg.AckWait)

		delivered := *j.envelope
		delivered.Attempt = j.attempts
		return id, &delivered, true
	}

	return "", nil, false
}

// Ack marks the job permanently complete. Unknown or already-acked jobs
// are a no-op.
func (q *Queue) Ack(ctx context.Context, id domain.JobID) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Ack")
	defer span.End()

	span.SetAttributes(attribute.String("job.id", string(id)))

	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.state != stateInflight {
		q.mu.Unlock()
		span.SetStatus(codes.Ok, "Ack ignored for unknown or settled job")
		return nil
	}
	delete(q.jobs, id)
	q.mu.Unlock()

	q.jobsAcked.Add(ctx, 1)
	q.jobsPending.Add(ctx, -1)

	q.logger.InfoContext(ctx, "Job acknowledged",
		slog.String("job_id", string(id)),
		slog.Int("attempts", j.attempts),
	)

	span.SetStatus(codes.Ok, "Job acknowledged")
	return nil
}

// Fail schedules the job for redelivery with exponential backoff, or moves
// it to the dead-letter state once the attempt budget is exhausted.
func (q *Queue) Fail(ctx context.Context, id domain.JobID, reason string) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Fail")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.fail_reason", reason),
	)

	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.state != stateInflight {
		q.mu.Unlock()
		span.SetStatus(codes.Ok, "Fail ignored for unknown or settled job")
		return nil
	}

	if j.attempts >= q.cfg.MaxAttempts {
		q.deadLetterLocked(j, reason)
		q.mu.Unlock()

		q.jobsDeadLettered.Add(ctx, 1)
		q.jobsPending.Add(ctx, -1)

		q.logger.ErrorContext(ctx, "Job moved to dead-letter state",
			slog.String("job_id", string(id)),
			slog.Int("attempts", j.attempts),
			slog.String("reason", reason),
		)

		span.SetStatus(codes.Ok, "Job dead-lettered")
		return nil
	}

	delay := q.backoff(j.attempts)
	j.state = stateDelayed
	j.notBefore = time.Now().Add(delay)
	j.reason = reason
	q.mu.Unlock()

	q.jobsRetried.Add(ctx, 1)

	q.logger.WarnContext(ctx, "Job failed, scheduling redelivery",
		slog.String("job_id", string(id)),
		slog.Int("attempt", j.attempts),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)

	span.SetStatus(codes.Ok, "Job scheduled for redelivery")
	return nil
}

// Discard moves the job straight to the dead-letter state.
func (q *Queue) Discard(ctx context.Context, id domain.JobID, reason string) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Discard")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.discard_reason", reason),
	)

	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.state != stateInflight {
		q.mu.Unlock()
		span.SetStatus(codes.Ok, "Discard ignored for unknown or settled job")
		return nil
	}
	q.deadLetterLocked(j, reason)
	q.mu.Unlock()

	q.jobsDeadLettered.Add(ctx, 1)
	q.jobsPending.Add(ctx, -1)

	q.logger.ErrorContext(ctx, "Job discarded to dead-letter state",
		slog.String("job_id", string(id)),
		slog.String("reason", reason),
	)

	span.SetStatus(codes.Ok, "Job discarded")
	return nil
}

// DeadLetters lists jobs in the dead-letter state.
func (q *Queue) DeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	_, span := q.tracer.Start(ctx, "JobQueue.DeadLetters")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	letters := make([]domain.DeadLetter, 0, len(q.dead))
	for _, id := range q.dead {
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		envelope := *j.envelope
		envelope.Attempt = j.attempts
		letters = append(letters, domain.DeadLetter{
			JobID:    j.id,
			Envelope: &envelope,
			Reason:   j.reason,
			Attempts: j.attempts,
			FailedAt: j.failedAt,
		})
	}

	span.SetAttributes(attribute.Int("job.dead_letter_count", len(letters)))
	span.SetStatus(codes.Ok, "Dead letters listed")
	return letters, nil
}

// Stats reports current queue depth.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats domain.QueueStats
	for _, j := range q.jobs {
		switch j.state {
		case statePending, stateDelayed:
			stats.Pending++
		case stateInflight:
			stats.Inflight++
		case stateDead:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

// deadLetterLocked transitions a job to the terminal state. Caller holds q.mu.
func (q *Queue) deadLetterLocked(j *job, reason string) {
	j.state = stateDead
	j.reason = reason
	j.failedAt = time.Now()
	q.dead = append(q.dead, j.id)
}

// sweep makes due delayed jobs visible again and recovers inflight jobs
// whose ack deadline passed (owner crashed or stalled without acking).
func (q *Queue) sweep(ctx context.Context) {
	now := time.Now()
	var woke bool
	var expired []*job

	q.mu.Lock()
	for _, j := range q.jobs {
		switch j.state {
		case stateDelayed:
			if now.After(j.notBefore) {
				j.state = statePending
				q.ready = append(q.ready, j.id)
				woke = true
			}
		case stateInflight:
			if now.After(j.deadline) {
				if j.attempts >= q.cfg.MaxAttempts {
					q.deadLetterLocked(j, "ack deadline exceeded")
					expired = append(expired, j)
				} else {
					j.state = statePending
					q.ready = append(q.ready, j.id)
					woke = true
				}
			}
		}
	}
	q.mu.Unlock()

	for _, j := range expired {
		q.jobsDeadLettered.Add(ctx, 1)
		q.jobsPending.Add(ctx, -1)
		q.logger.ErrorContext(ctx, "Job moved to dead-letter state",
			slog.String("job_id", string(j.id)),
			slog.Int("attempts", j.attempts),
			slog.String("reason", j.reason),
		)
	}

	if woke {
		q.signal()
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// backoff computes the redelivery delay: base * 2^(attempt-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if time.Duration(delay) > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return time.Duration(delay)
}

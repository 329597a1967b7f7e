// Package nats provides a NATS JetStream implementation of the job queue.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

const (
	// StreamName is the name of the work-queue stream for ingest jobs.
	StreamName = "PRODUCT_INGEST"
	// SubjectJobsNew is the subject for new ingest jobs.
	SubjectJobsNew = "product.ingest.new"
	// DeadLetterStreamName is the stream retaining dead-lettered jobs.
	DeadLetterStreamName = "PRODUCT_INGEST_DLQ"
	// SubjectDeadLetter is the subject for dead-lettered jobs.
	SubjectDeadLetter = "product.ingest.dead_letter"
	// ConsumerName is the name of the durable worker consumer.
	ConsumerName = "ingest-workers"

	// deadLetterMaxAge bounds how long dead-letter records are retained.
	deadLetterMaxAge = 24 * time.Hour
)

// errCodeMaxMsgsExceeded is the JetStream API error returned on publish when
// a DiscardNew stream is at its MaxMsgs cap.
const errCodeMaxMsgsExceeded jetstream.ErrorCode = 10077

func isStreamFull(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeMaxMsgsExceeded
}

// streamConfig is the work-queue stream holding undelivered jobs. Its MaxMsgs
// cap backs ErrQueueFull, so only pending and inflight jobs may live here.
func streamConfig(maxPending int64) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Deferred product ingest jobs",
		Subjects:    []string{SubjectJobsNew},
		Retention:   jetstream.WorkQueuePolicy,
		Discard:     jetstream.DiscardNew,
		MaxMsgs:     maxPending,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

// deadLetterStreamConfig is the stream retaining dead-lettered jobs for
// operator review. It is separate from the work-queue stream so parked jobs
// never occupy a slot of the pending cap.
func deadLetterStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        DeadLetterStreamName,
		Description: "Dead-lettered product ingest jobs",
		Subjects:    []string{SubjectDeadLetter},
		Storage:     jetstream.FileStorage,
		MaxAge:      deadLetterMaxAge,
		Replicas:    1,
	}
}

// Config holds NATS queue configuration.
type Config struct {
	URL         string
	MaxPending  int64
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	AckWait     time.Duration
}

// Queue is a durable domain.JobQueue backed by a JetStream work-queue
// stream with an explicit-ack durable consumer. Redelivery on crash comes
// from AckWait; the attempt budget from MaxDeliver.
type Queue struct {
	cfg    Config
	tracer trace.Tracer
	logger *slog.Logger

	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer

	mu       sync.Mutex
	inflight map[domain.JobID]jetstream.Msg
	dead     []domain.DeadLetter

	jobsEnqueued     metric.Int64Counter
	jobsAcked        metric.Int64Counter
	jobsRetried      metric.Int64Counter
	jobsDeadLettered metric.Int64Counter
}

var _ domain.JobQueue = (*Queue)(nil)

// NewQueue creates a new JetStream-backed job queue client.
func NewQueue(cfg Config, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) *Queue {
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

	return &Queue{
		cfg:              cfg,
		tracer:           tracer,
		logger:           logger,
		inflight:         make(map[domain.JobID]jetstream.Msg),
		jobsEnqueued:     jobsEnqueued,
		jobsAcked:        jobsAcked,
		jobsRetried:      jobsRetried,
		jobsDeadLettered: jobsDeadLettered,
	}
}

// Connect establishes the NATS connection and provisions the stream and
// the durable worker consumer.
func (q *Queue) Connect(ctx context.Context) error {
	nc, err := nats.Connect(q.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	q.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	q.js = js

	stream, err := js.CreateOrUpdateStream(ctx, streamConfig(q.cfg.MaxPending))
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	q.stream = stream

	if _, err := js.CreateOrUpdateStream(ctx, deadLetterStreamConfig()); err != nil {
		return fmt.Errorf("failed to create dead-letter stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:       ConsumerName,
		Durable:    ConsumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    q.cfg.AckWait,
		MaxDeliver: q.cfg.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	q.consumer = consumer

	q.logger.Info("Connected to NATS, ingest stream ready",
		slog.String("url", q.cfg.URL),
		slog.String("stream", StreamName),
	)
	return nil
}

// Close closes the NATS connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

// Enqueue publishes the envelope to the work-queue stream. The publish ack
// confirms durability before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, envelope *domain.Envelope) (domain.JobID, error) {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Enqueue")
	defer span.End()

	span.SetAttributes(attribute.String("job.envelope_id", envelope.ID))

	data, err := envelope.Marshal()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to marshal envelope")
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ack, err := q.js.Publish(ctx, SubjectJobsNew, data, jetstream.WithMsgID(envelope.ID))
	if err != nil {
		if isStreamFull(err) {
			span.RecordError(domain.ErrQueueFull)
			span.SetStatus(codes.Error, "Queue full")
			return "", domain.ErrQueueFull
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to publish job")
		return "", fmt.Errorf("failed to publish job: %w", err)
	}

	id := domain.JobID(strconv.FormatUint(ack.Sequence, 10))

	q.jobsEnqueued.Add(ctx, 1)

	q.logger.InfoContext(ctx, "Job enqueued",
		slog.String("job_id", string(id)),
		slog.String("envelope_id", envelope.ID),
	)

	span.SetAttributes(attribute.String("job.id", string(id)))
	span.SetStatus(codes.Ok, "Job enqueued")
	return id, nil
}

// Dequeue fetches the next job from the durable consumer. Exclusive
// ownership per message is guaranteed by JetStream until ack or AckWait.
func (q *Queue) Dequeue(ctx context.Context) (domain.JobID, *domain.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			q.logger.Warn("Failed to fetch job, retrying",
				slog.String("error", err.Error()),
			)
			continue
		}

		for msg := range batch.Messages() {
			meta, err := msg.Metadata()
			if err != nil {
				q.logger.Warn("Failed to read message metadata",
					slog.String("error", err.Error()),
				)
				_ = msg.Term()
				continue
			}

			envelope, err := domain.UnmarshalEnvelope(msg.Data())
			if err != nil {
				// Malformed payloads can never succeed; park them.
				q.logger.Error("Failed to unmarshal envelope, terminating message",
					slog.String("error", err.Error()),
				)
				_ = msg.Term()
				continue
			}
			envelope.Attempt = int(meta.NumDelivered)

			id := domain.JobID(strconv.FormatUint(meta.Sequence.Stream, 10))

			q.mu.Lock()
			q.inflight[id] = msg
			q.mu.Unlock()

			return id, envelope, nil
		}
	}
}

// Ack acknowledges the job. Unknown ids are a no-op.
func (q *Queue) Ack(ctx context.Context, id domain.JobID) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Ack")
	defer span.End()

	span.SetAttributes(attribute.String("job.id", string(id)))

	msg, ok := q.takeInflight(id)
	if !ok {
		span.SetStatus(codes.Ok, "Ack ignored for unknown job")
		return nil
	}

	if err := msg.Ack(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ack message")
		return fmt.Errorf("failed to ack message: %w", err)
	}

	q.jobsAcked.Add(ctx, 1)

	span.SetStatus(codes.Ok, "Job acknowledged")
	return nil
}

// Fail negatively acknowledges the job with backoff, or terminates it to
// the dead-letter subject once the attempt budget is exhausted.
func (q *Queue) Fail(ctx context.Context, id domain.JobID, reason string) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Fail")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.fail_reason", reason),
	)

	msg, ok := q.takeInflight(id)
	if !ok {
		span.SetStatus(codes.Ok, "Fail ignored for unknown job")
		return nil
	}

	meta, err := msg.Metadata()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read message metadata")
		return fmt.Errorf("failed to read message metadata: %w", err)
	}

	attempt := int(meta.NumDelivered)
	if attempt >= q.cfg.MaxAttempts {
		return q.deadLetter(ctx, span, id, msg, reason, attempt)
	}

	delay := q.backoff(attempt)
	if err := msg.NakWithDelay(delay); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to nak message")
		return fmt.Errorf("failed to nak message: %w", err)
	}

	q.jobsRetried.Add(ctx, 1)

	q.logger.WarnContext(ctx, "Job failed, scheduling redelivery",
		slog.String("job_id", string(id)),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)

	span.SetStatus(codes.Ok, "Job scheduled for redelivery")
	return nil
}

// Discard terminates the job straight to the dead-letter subject.
func (q *Queue) Discard(ctx context.Context, id domain.JobID, reason string) error {
	ctx, span := q.tracer.Start(ctx, "JobQueue.Discard")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.discard_reason", reason),
	)

	msg, ok := q.takeInflight(id)
	if !ok {
		span.SetStatus(codes.Ok, "Discard ignored for unknown job")
		return nil
	}

	meta, err := msg.Metadata()
	attempt := 1
	if err == nil {
		attempt = int(meta.NumDelivered)
	}

	return q.deadLetter(ctx, span, id, msg, reason, attempt)
}

// DeadLetters lists jobs dead-lettered by this process. The durable record
// lives on the dead-letter subject; this view is the local operator cache.
func (q *Queue) DeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	_, span := q.tracer.Start(ctx, "JobQueue.DeadLetters")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	letters := make([]domain.DeadLetter, len(q.dead))
	copy(letters, q.dead)

	span.SetAttributes(attribute.Int("job.dead_letter_count", len(letters)))
	span.SetStatus(codes.Ok, "Dead letters listed")
	return letters, nil
}

// Stats reports stream and consumer depth.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	info, err := q.consumer.Info(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read consumer info: %w", err)
	}

	stats.Pending = int(info.NumPending) + info.NumRedelivered
	stats.Inflight = info.NumAckPending

	q.mu.Lock()
	stats.DeadLetter = len(q.dead)
	q.mu.Unlock()

	return stats, nil
}

func (q *Queue) deadLetter(ctx context.Context, span trace.Span, id domain.JobID, msg jetstream.Msg, reason string, attempt int) error {
	envelope, err := domain.UnmarshalEnvelope(msg.Data())
	if err == nil {
		letter := domain.DeadLetter{
			JobID:    id,
			Envelope: envelope,
			Reason:   reason,
			Attempts: attempt,
			FailedAt: time.Now(),
		}

		if data, err := json.Marshal(letter); err == nil {
			if _, err := q.js.Publish(ctx, SubjectDeadLetter, data); err != nil {
				q.logger.ErrorContext(ctx, "Failed to publish dead-letter record",
					slog.String("job_id", string(id)),
					slog.String("error", err.Error()),
				)
			}
		}

		q.mu.Lock()
		q.dead = append(q.dead, letter)
		q.mu.Unlock()
	}

	if err := msg.Term(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to terminate message")
		return fmt.Errorf("failed to terminate message: %w", err)
	}

	q.jobsDeadLettered.Add(ctx, 1)

	q.logger.ErrorContext(ctx, "Job moved to dead-letter state",
		slog.String("job_id", string(id)),
		slog.Int("attempts", attempt),
		slog.String("reason", reason),
	)

	span.SetStatus(codes.Ok, "Job dead-lettered")
	return nil
}

func (q *Queue) takeInflight(id domain.JobID) (jetstream.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[id]
	if ok {
		delete(q.inflight, id)
	}
	return msg, ok
}

// backoff computes the redelivery delay: base * 2^(attempt-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if time.Duration(delay) > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return time.Duration(delay)
}

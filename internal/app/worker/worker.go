// Package worker runs the image-ingest workers that turn queued envelopes
// into product rows.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// Pool runs a fixed number of ingest workers against a shared job queue.
// Each worker loops dequeue → read blob → persist → ack. Delivery is
// at-least-once, so the persist step is idempotent: the envelope ID is the
// product ID, and a row that already exists is acked without a second
// create.
type Pool struct {
	count  int
	queue  domain.JobQueue
	repo   domain.ProductRepository
	blobs  domain.BlobStore
	tracer trace.Tracer
	logger *slog.Logger

	wg sync.WaitGroup

	jobsSucceeded metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsSkipped   metric.Int64Counter
}

// NewPool creates a new ingest worker pool.
func NewPool(
	count int,
	queue domain.JobQueue,
	repo domain.ProductRepository,
	blobs domain.BlobStore,
	tracer trace.Tracer,
	meter metric.Meter,
	logger *slog.Logger,
) *Pool {
	if count <= 0 {
		count = 1
	}

	jobsSucceeded, _ := meter.Int64Counter(
		"ingest.jobs.succeeded.total",
		metric.WithDescription("Total number of ingest jobs that persisted a product"),
	)
	jobsFailed, _ := meter.Int64Counter(
		"ingest.jobs.failed.total",
		metric.WithDescription("Total number of ingest job attempts that failed"),
	)
	jobsSkipped, _ := meter.Int64Counter(
		"ingest.jobs.skipped.total",
		metric.WithDescription("Total number of redelivered ingest jobs skipped as already persisted"),
	)

	return &Pool{
		count:         count,
		queue:         queue,
		repo:          repo,
		blobs:         blobs,
		tracer:        tracer,
		logger:        logger,
		jobsSucceeded: jobsSucceeded,
		jobsFailed:    jobsFailed,
		jobsSkipped:   jobsSkipped,
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("ingest-worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}

	p.logger.Info("Ingest worker pool started",
		slog.Int("workers", p.count),
	)
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	logger := p.logger.With(slog.String("worker_id", workerID))
	logger.Info("Worker started")

	for {
		id, envelope, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("Worker stopping")
				return
			}
			logger.Error("Dequeue failed",
				slog.String("error", err.Error()),
			)
			continue
		}

		p.process(ctx, logger, id, envelope)
	}
}

// process handles one delivery. Failures never stop the loop: transient
// ones requeue the job with backoff, unprocessable ones go straight to the
// dead-letter state.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, id domain.JobID, envelope *domain.Envelope) {
	ctx, span := p.tracer.Start(ctx, "IngestWorker.Process")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", string(id)),
		attribute.String("job.envelope_id", envelope.ID),
		attribute.Int("job.attempt", envelope.Attempt),
	)

	logger.InfoContext(ctx, "Processing ingest job",
		slog.String("job_id", string(id)),
		slog.String("envelope_id", envelope.ID),
		slog.Int("attempt", envelope.Attempt),
	)

	// Defensive re-validation. Enqueue already validated the payload, so a
	// failure here means the job can never succeed; spend no retries on it.
	if err := envelope.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Envelope validation failed")
		p.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_payload")))
		p.discard(ctx, logger, id, fmt.Sprintf("payload validation failed: %v", err))
		return
	}

	data, err := p.blobs.Read(ctx, envelope.Image)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Blob unavailable")
		p.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "blob_unavailable")))
		p.fail(ctx, logger, id, fmt.Sprintf("blob unavailable: %v", err))
		return
	}

	// Redelivery of an acked-but-lost job must not create a second row.
	if _, err := p.repo.FindByID(ctx, envelope.ID, true); err == nil {
		p.jobsSkipped.Add(ctx, 1)
		logger.InfoContext(ctx, "Product already persisted, skipping create",
			slog.String("product_id", envelope.ID),
		)
		p.ack(ctx, logger, id)
		span.SetStatus(codes.Ok, "Duplicate delivery skipped")
		return
	} else if !errors.Is(err, domain.ErrProductNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Repository unavailable")
		p.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "repository_unavailable")))
		p.fail(ctx, logger, id, fmt.Sprintf("repository unavailable: %v", err))
		return
	}

	p.transform(data)

	product := &domain.Product{
		ID:          envelope.ID,
		Name:        envelope.Name,
		Description: envelope.Description,
		Price:       envelope.Price,
		Image:       envelope.Image,
		CreatedAt:   envelope.EnqueuedAt,
		UpdatedAt:   envelope.EnqueuedAt,
	}

	if err := p.repo.Create(ctx, product); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Repository unavailable")
		p.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "repository_unavailable")))
		p.fail(ctx, logger, id, fmt.Sprintf("repository unavailable: %v", err))
		return
	}

	p.ack(ctx, logger, id)
	p.jobsSucceeded.Add(ctx, 1)

	logger.InfoContext(ctx, "Product persisted from ingest job",
		slog.String("product_id", product.ID),
		slog.String("image", product.Image),
	)

	span.SetAttributes(attribute.String("product.id", product.ID))
	span.SetStatus(codes.Ok, "Ingest job completed")
}

// transform is the hook where image processing (resizing, format
// conversion) would run; ingestion currently stores images as uploaded.
func (p *Pool) transform(data []byte) []byte {
	return data
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, id domain.JobID) {
	if err := p.queue.Ack(ctx, id); err != nil {
		logger.ErrorContext(ctx, "Failed to ack job",
			slog.String("job_id", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, id domain.JobID, reason string) {
	if err := p.queue.Fail(ctx, id, reason); err != nil {
		logger.ErrorContext(ctx, "Failed to fail job",
			slog.String("job_id", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) discard(ctx context.Context, logger *slog.Logger, id domain.JobID, reason string) {
	if err := p.queue.Discard(ctx, id, reason); err != nil {
		logger.ErrorContext(ctx, "Failed to discard job",
			slog.String("job_id", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

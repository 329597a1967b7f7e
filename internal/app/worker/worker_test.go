package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mrops-br/product-catalog-api/internal/domain"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/blob/filesystem"
	memoryqueue "github.com/mrops-br/product-catalog-api/internal/infrastructure/queue/memory"
	memoryrepo "github.com/mrops-br/product-catalog-api/internal/infrastructure/repository/memory"
)

type ingestFixture struct {
	queue *memoryqueue.Queue
	repo  *memoryrepo.ProductRepository
	blobs *filesystem.Store
	pool  *Pool
}

func newIngestFixture(t *testing.T, queueCfg memoryqueue.Config) *ingestFixture {
	t.Helper()

	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := metricnoop.NewMeterProvider().Meter("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	queue := memoryqueue.NewQueue(queueCfg, tracer, meter, logger)
	repo := memoryrepo.NewProductRepository(tracer, logger)
	blobs, err := filesystem.NewStore(t.TempDir(), tracer, logger)
	require.NoError(t, err)

	return &ingestFixture{
		queue: queue,
		repo:  repo,
		blobs: blobs,
		pool:  NewPool(2, queue, repo, blobs, tracer, meter, logger),
	}
}

func (f *ingestFixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.pool.Wait()
	})
	f.queue.Start(ctx)
	f.pool.Start(ctx)
	return ctx
}

func TestIngestPersistsProduct(t *testing.T) {
	f := newIngestFixture(t, memoryqueue.Config{SweepInterval: 2 * time.Millisecond})
	ctx := f.start(t)

	path, err := f.blobs.Store(ctx, "widget.png", []byte("png-bytes"))
	require.NoError(t, err)

	envelope, err := domain.NewEnvelope(domain.ProductFields{
		Name:        "Widget",
		Description: "a widget",
		Price:       9.99,
		Image:       path,
	})
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.repo.FindByID(ctx, envelope.ID, false)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond, "product never persisted")

	product, err := f.repo.FindByID(ctx, envelope.ID, false)
	require.NoError(t, err)
	assert.Equal(t, envelope.ID, product.ID)
	assert.Equal(t, "Widget", product.Name)
	assert.Equal(t, 9.99, product.Price)
	assert.Equal(t, path, product.Image)
	assert.True(t, product.CreatedAt.Equal(envelope.EnqueuedAt))
}

func TestRedeliveryDoesNotCreateSecondRow(t *testing.T) {
	f := newIngestFixture(t, memoryqueue.Config{SweepInterval: 2 * time.Millisecond})
	ctx := f.start(t)

	path, err := f.blobs.Store(ctx, "widget.png", []byte("png-bytes"))
	require.NoError(t, err)

	envelope, err := domain.NewEnvelope(domain.ProductFields{
		Name:  "Widget",
		Price: 9.99,
		Image: path,
	})
	require.NoError(t, err)

	// Simulate a delivery whose ack was lost: the row already exists when
	// the job arrives again.
	require.NoError(t, f.repo.Create(ctx, &domain.Product{
		ID:    envelope.ID,
		Name:  envelope.Name,
		Price: envelope.Price,
		Image: envelope.Image,
	}))

	_, err = f.queue.Enqueue(ctx, envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(ctx)
		return err == nil && stats.Pending == 0 && stats.Inflight == 0
	}, 2*time.Second, 5*time.Millisecond, "job never settled")

	products, err := f.repo.FindAll(ctx, true)
	require.NoError(t, err)
	assert.Len(t, products, 1)

	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters, "duplicate delivery must ack, not dead-letter")
}

func TestMissingBlobExhaustsRetriesToDeadLetter(t *testing.T) {
	f := newIngestFixture(t, memoryqueue.Config{
		MaxAttempts:   2,
		BackoffBase:   time.Millisecond,
		SweepInterval: 2 * time.Millisecond,
	})
	ctx := f.start(t)

	envelope, err := domain.NewEnvelope(domain.ProductFields{
		Name:  "Widget",
		Price: 9.99,
		Image: "never-stored.png",
	})
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		letters, err := f.queue.DeadLetters(ctx)
		return err == nil && len(letters) == 1
	}, 2*time.Second, 5*time.Millisecond, "job never dead-lettered")

	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "blob unavailable")

	_, err = f.repo.FindByID(ctx, envelope.ID, true)
	assert.True(t, errors.Is(err, domain.ErrProductNotFound))
}

func TestInvalidPayloadDiscardedWithoutRetries(t *testing.T) {
	f := newIngestFixture(t, memoryqueue.Config{
		MaxAttempts:   5,
		BackoffBase:   time.Millisecond,
		SweepInterval: 2 * time.Millisecond,
	})
	ctx := f.start(t)

	// Bypass enqueue-side validation to exercise the worker's defensive check.
	envelope := &domain.Envelope{
		ID:         "malformed-job",
		Price:      -1,
		Image:      "widget.png",
		EnqueuedAt: time.Now(),
	}

	_, err := f.queue.Enqueue(ctx, envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		letters, err := f.queue.DeadLetters(ctx)
		return err == nil && len(letters) == 1
	}, 2*time.Second, 5*time.Millisecond, "job never dead-lettered")

	letters, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, letters[0].Attempts, "unprocessable payload must not burn retries")
	assert.Contains(t, letters[0].Reason, "payload validation failed")
}

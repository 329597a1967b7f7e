package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	return NewQueue(cfg,
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func testEnvelope(t *testing.T) *domain.Envelope {
	t.Helper()
	envelope, err := domain.NewEnvelope(domain.ProductFields{
		Name:  "Widget",
		Price: 9.99,
		Image: "widget.png",
	})
	require.NoError(t, err)
	return envelope
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	envelope := testEnvelope(t)
	jobID, err := q.Enqueue(ctx, envelope)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	dequeuedID, delivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobID, dequeuedID)
	assert.Equal(t, envelope.ID, delivered.ID)
	assert.Equal(t, envelope.Name, delivered.Name)
	assert.Equal(t, 1, delivered.Attempt)

	require.NoError(t, q.Ack(ctx, dequeuedID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Inflight)
}

func TestEnqueueFullRejected(t *testing.T) {
	q := newTestQueue(t, Config{MaxPending: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, testEnvelope(t))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.Close()

	_, err := q.Enqueue(context.Background(), testEnvelope(t))
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestDequeueBlocksUntilContextDone(t *testing.T) {
	q := newTestQueue(t, Config{SweepInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentDequeuersNeverShareAJob(t *testing.T) {
	const jobs = 50

	q := newTestQueue(t, Config{MaxPending: jobs, SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, testEnvelope(t))
		require.NoError(t, err)
	}

	ids := make(chan domain.JobID, jobs)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, _, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				ids <- id
				_ = q.Ack(ctx, id)
			}
		}()
	}

	seen := make(map[domain.JobID]bool)
	for i := 0; i < jobs; i++ {
		select {
		case id := <-ids:
			assert.False(t, seen[id], "job %s delivered to two owners", id)
			seen[id] = true
		case <-ctx.Done():
			t.Fatalf("timed out after %d deliveries", len(seen))
		}
	}

	cancel()
	wg.Wait()
	assert.Len(t, seen, jobs)
}

func TestFailSchedulesRedelivery(t *testing.T) {
	q := newTestQueue(t, Config{
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		SweepInterval: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Start(ctx)

	_, err := q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)

	id, delivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, delivered.Attempt)
	require.NoError(t, q.Fail(ctx, id, "transient"))

	redeliveredID, redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, redeliveredID)
	assert.Equal(t, 2, redelivered.Attempt)
}

func TestFailExhaustsAttemptBudget(t *testing.T) {
	q := newTestQueue(t, Config{
		MaxAttempts:   2,
		BackoffBase:   time.Millisecond,
		SweepInterval: 2 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Start(ctx)

	envelope := testEnvelope(t)
	_, err := q.Enqueue(ctx, envelope)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		id, delivered, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, attempt, delivered.Attempt)
		require.NoError(t, q.Fail(ctx, id, "boom"))
	}

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, envelope.ID, letters[0].Envelope.ID)
	assert.Equal(t, "boom", letters[0].Reason)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.False(t, letters[0].FailedAt.IsZero())

	// A dead-lettered job is never delivered again.
	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_, _, err = q.Dequeue(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscardGoesStraightToDeadLetter(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)

	id, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Discard(ctx, id, "unprocessable payload"))

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "unprocessable payload", letters[0].Reason)
	assert.Equal(t, 1, letters[0].Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Inflight)
}

func TestAckIsIdempotent(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)

	id, _, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, id))
	require.NoError(t, q.Ack(ctx, id))
	require.NoError(t, q.Ack(ctx, domain.JobID("no-such-job")))
	require.NoError(t, q.Fail(ctx, id, "settled already"))
}

func TestAckDeadlineExpiryRedelivers(t *testing.T) {
	q := newTestQueue(t, Config{
		MaxAttempts:   3,
		AckWait:       20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Start(ctx)

	_, err := q.Enqueue(ctx, testEnvelope(t))
	require.NoError(t, err)

	id, delivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, delivered.Attempt)

	// Never ack: the sweeper must treat the owner as crashed.
	redeliveredID, redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, redeliveredID)
	assert.Equal(t, 2, redelivered.Attempt)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := newTestQueue(t, Config{
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Second,
	})

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
	assert.Equal(t, 5*time.Second, q.backoff(10))
}

// Package jetstream provides a blob store on the NATS JetStream Object Store.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// Store is a domain.BlobStore backed by a JetStream Object Store bucket.
// Object store writes are replicated by the server, so a path returned by
// Store is readable by workers in other processes.
type Store struct {
	conn   *nats.Conn
	store  jetstream.ObjectStore
	bucket string
	tracer trace.Tracer
	logger *slog.Logger
}

var _ domain.BlobStore = (*Store)(nil)

// NewStore connects to NATS and ensures the bucket exists.
func NewStore(ctx context.Context, natsURL, bucket string, tracer trace.Tracer, logger *slog.Logger) (*Store, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := js.ObjectStore(ctx, bucket)
	if err != nil {
		store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Product image uploads",
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create object store bucket: %w", err)
		}
	}

	return &Store{
		conn:   conn,
		store:  store,
		bucket: bucket,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// Store writes the blob into the bucket and returns its path.
func (s *Store) Store(ctx context.Context, name string, data []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "BlobStore.Store")
	defer span.End()

	objectName := path.Base(name)

	span.SetAttributes(
		attribute.String("blob.path", objectName),
		attribute.String("blob.bucket", s.bucket),
		attribute.Int("blob.size", len(data)),
	)

	if _, err := s.store.PutBytes(ctx, objectName, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store object")
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	s.logger.InfoContext(ctx, "Blob stored",
		slog.String("blob_path", objectName),
		slog.String("bucket", s.bucket),
		slog.Int("size", len(data)),
	)

	span.SetStatus(codes.Ok, "Blob stored")
	return objectName, nil
}

// Read returns the blob bytes at path.
func (s *Store) Read(ctx context.Context, blobPath string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "BlobStore.Read")
	defer span.End()

	span.SetAttributes(
		attribute.String("blob.path", blobPath),
		attribute.String("blob.bucket", s.bucket),
	)

	data, err := s.store.GetBytes(ctx, path.Base(blobPath))
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			span.RecordError(domain.ErrBlobNotFound)
			span.SetStatus(codes.Error, "Blob not found")
			s.logger.WarnContext(ctx, "Blob not found",
				slog.String("blob_path", blobPath),
			)
			return nil, domain.ErrBlobNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read object")
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	span.SetAttributes(attribute.Int("blob.size", len(data)))
	span.SetStatus(codes.Ok, "Blob read")
	return data, nil
}

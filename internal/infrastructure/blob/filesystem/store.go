// Package filesystem provides a blob store on the local filesystem.
package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// Store is a filesystem implementation of domain.BlobStore. Writes go
// through a temp file, fsync, and rename so a path returned by Store is
// durably readable by a worker in another process or after a restart.
type Store struct {
	dir    string
	tracer trace.Tracer
	logger *slog.Logger
}

var _ domain.BlobStore = (*Store)(nil)

// NewStore creates the blob directory if needed and returns the store.
func NewStore(dir string, tracer trace.Tracer, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{
		dir:    dir,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Store writes the blob and returns its path.
func (s *Store) Store(ctx context.Context, name string, data []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "BlobStore.Store")
	defer span.End()

	// Client-supplied names must not escape the blob directory.
	path := filepath.Base(name)

	span.SetAttributes(
		attribute.String("blob.path", path),
		attribute.Int("blob.size", len(data)),
	)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create temp file")
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to write blob")
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to sync blob")
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to close blob")
		return "", fmt.Errorf("failed to close blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, path)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to finalize blob")
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}

	s.logger.InfoContext(ctx, "Blob stored",
		slog.String("blob_path", path),
		slog.Int("size", len(data)),
	)

	span.SetStatus(codes.Ok, "Blob stored")
	return path, nil
}

// Read returns the blob bytes at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "BlobStore.Read")
	defer span.End()

	span.SetAttributes(attribute.String("blob.path", path))

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(path)))
	if err != nil {
		if os.IsNotExist(err) {
			span.RecordError(domain.ErrBlobNotFound)
			span.SetStatus(codes.Error, "Blob not found")
			s.logger.WarnContext(ctx, "Blob not found",
				slog.String("blob_path", path),
			)
			return nil, domain.ErrBlobNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to read blob")
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	span.SetAttributes(attribute.Int("blob.size", len(data)))
	span.SetStatus(codes.Ok, "Blob read")
	return data, nil
}

package domain

import (
	"context"
	"errors"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
)

// BlobStore defines the contract for durable byte storage addressed by path.
// Once Store returns, the blob must be readable by any later reader,
// including a worker in a different process or after a restart.
type BlobStore interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

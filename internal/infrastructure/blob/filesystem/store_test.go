package filesystem

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir,
		tracenoop.NewTracerProvider().Tracer("test"),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	require.NoError(t, err)
	return store, dir
}

func TestStoreAndRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	data := []byte("png-bytes")
	path, err := store.Store(ctx, "widget.png", data)
	require.NoError(t, err)
	assert.Equal(t, "widget.png", path)

	got, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Store(ctx, "widget.png", []byte("v1"))
	require.NoError(t, err)
	path, err := store.Store(ctx, "widget.png", []byte("v2"))
	require.NoError(t, err)

	got, err := store.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestStoreSanitizesClientNames(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	path, err := store.Store(ctx, "../../etc/passwd", []byte("nope"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", path)

	// The blob lands inside the store directory, nowhere else.
	_, err = os.Stat(filepath.Join(dir, "passwd"))
	require.NoError(t, err)
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	store, dir := newTestStore(t)

	_, err := store.Store(context.Background(), "widget.png", []byte("png-bytes"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "widget.png", entries[0].Name())
}

func TestReadMissingBlob(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Read(context.Background(), "never-stored.png")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
}

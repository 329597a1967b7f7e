package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mrops-br/product-catalog-api/internal/app/dto"
	"github.com/mrops-br/product-catalog-api/internal/app/service"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/blob/filesystem"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/http/middleware"
	memoryqueue "github.com/mrops-br/product-catalog-api/internal/infrastructure/queue/memory"
	memoryrepo "github.com/mrops-br/product-catalog-api/internal/infrastructure/repository/memory"
)

func newTestRouter(t *testing.T, queueCfg memoryqueue.Config) *chi.Mux {
	t.Helper()

	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := metricnoop.NewMeterProvider().Meter("test")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := memoryrepo.NewProductRepository(tracer, logger)
	queue := memoryqueue.NewQueue(queueCfg, tracer, meter, logger)
	blobs, err := filesystem.NewStore(t.TempDir(), tracer, logger)
	require.NoError(t, err)

	svc := service.NewProductService(repo, blobs, queue, tracer, meter, logger)
	h := NewProductHandler(svc, logger)

	requireAdmin := middleware.RequireAdmin("", logger)

	router := chi.NewRouter()
	router.Route("/products", func(r chi.Router) {
		r.Get("/", h.ListProducts)
		r.Get("/{id}", h.GetProduct)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/", h.CreateProduct)
			r.Put("/{id}", h.UpdateProduct)
			r.Delete("/{id}", h.DeleteProduct)
			r.Post("/restore/{id}", h.RestoreProduct)
		})
	})
	router.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Get("/jobs/dead", h.ListDeadLetters)
	})

	return router
}

func doJSON(t *testing.T, router *chi.Mux, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-User-Role", "admin")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createdProduct(t *testing.T, router *chi.Mux, body string) dto.ProductResponse {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/products", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var product dto.ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
	return product
}

func TestCreateProductJSON(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	product := createdProduct(t, router, `{"name":"Widget","description":"a widget","price":9.99}`)
	assert.NotEmpty(t, product.ID)
	assert.Equal(t, "Widget", product.Name)
	assert.Equal(t, 9.99, product.Price)

	rec := doJSON(t, router, http.MethodGet, "/products/"+product.ID, "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateProductValidationStatus(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	rec := doJSON(t, router, http.MethodPost, "/products", `{"name":"","price":9.99}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/products", `{"name":"Widget"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProductMultipartIsAccepted(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("name", "Widget"))
	require.NoError(t, form.WriteField("price", "9.99"))
	file, err := form.CreateFormFile("image", "widget.png")
	require.NoError(t, err)
	_, err = file.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/products", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-User-Role", "admin")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted dto.AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEmpty(t, accepted.ProductID)
	assert.NotEmpty(t, accepted.JobID)

	// The row only appears once the ingest worker runs.
	lookup := doJSON(t, router, http.MethodGet, "/products/"+accepted.ProductID, "", false)
	assert.Equal(t, http.StatusNotFound, lookup.Code)
}

func TestMultipartContentTypeIsParsedNotPrefixMatched(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("name", "Widget"))
	require.NoError(t, form.WriteField("price", "9.99"))
	file, err := form.CreateFormFile("image", "widget.png")
	require.NoError(t, err)
	_, err = file.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	// Media type comparison is case-insensitive per RFC 2045; a client
	// sending an uppercase type still gets the multipart path.
	req := httptest.NewRequest(http.MethodPost, "/products", &buf)
	req.Header.Set("Content-Type", strings.ToUpper("multipart/form-data")+"; boundary="+form.Boundary())
	req.Header.Set("X-User-Role", "admin")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestMutationsRequireAdminRole(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	rec := doJSON(t, router, http.MethodPost, "/products", `{"name":"Widget","price":9.99}`, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/products/some-id", "", false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/admin/jobs/dead", "", false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Reads stay open.
	rec = doJSON(t, router, http.MethodGet, "/products", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteRestoreAndDeletedView(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	product := createdProduct(t, router, `{"name":"Widget","price":9.99}`)

	rec := doJSON(t, router, http.MethodDelete, "/products/"+product.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/products/"+product.ID, "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/products/"+product.ID+"?deleted=true", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/products/restore/"+product.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/products/"+product.ID, "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateProductStatusCodes(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{})

	product := createdProduct(t, router, `{"name":"Widget","price":9.99}`)

	rec := doJSON(t, router, http.MethodPut, "/products/"+product.ID, `{"name":"Widget v2","price":12.5}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated dto.ProductResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Widget v2", updated.Name)

	rec = doJSON(t, router, http.MethodPut, "/products/no-such-id", `{"name":"Ghost","price":1}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueFullAnswers503(t *testing.T) {
	router := newTestRouter(t, memoryqueue.Config{MaxPending: 1})

	post := func(name string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		require.NoError(t, form.WriteField("name", name))
		require.NoError(t, form.WriteField("price", "1"))
		file, err := form.CreateFormFile("image", name+".png")
		require.NoError(t, err)
		_, err = file.Write([]byte("png"))
		require.NoError(t, err)
		require.NoError(t, form.Close())

		req := httptest.NewRequest(http.MethodPost, "/products", &buf)
		req.Header.Set("Content-Type", form.FormDataContentType())
		req.Header.Set("X-User-Role", "admin")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusAccepted, post("first").Code)

	rec := post("second")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mrops-br/product-catalog-api/internal/app/dto"
	"github.com/mrops-br/product-catalog-api/internal/app/service"
	"github.com/mrops-br/product-catalog-api/internal/domain"
	"github.com/mrops-br/product-catalog-api/internal/infrastructure/http/response"
)

// maxUploadBytes bounds multipart image uploads (2 MiB, as the upstream
// upload validation allows).
const maxUploadBytes = 2 << 20

// ProductHandler handles HTTP requests for products
type ProductHandler struct {
	service *service.ProductService
	logger  *slog.Logger
}

// NewProductHandler creates a new product handler
func NewProductHandler(service *service.ProductService, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		service: service,
		logger:  logger,
	}
}

// CreateProduct handles POST /products. JSON bodies create synchronously;
// multipart bodies may carry an image file, which defers the create to the
// ingest worker and answers 202.
func (h *ProductHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeCreate(r)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to decode request body",
			slog.String("error", err.Error()),
		)
		response.Error(w, http.StatusBadRequest, err)
		return
	}

	product, accepted, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if accepted != nil {
		response.JSON(w, http.StatusAccepted, accepted)
		return
	}
	response.JSON(w, http.StatusCreated, product)
}

// GetProduct handles GET /products/{id}
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	product, err := h.service.GetProductByID(r.Context(), id, includeDeleted(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, product)
}

// ListProducts handles GET /products
func (h *ProductHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context(), includeDeleted(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, products)
}

// UpdateProduct handles PUT /products/{id}
func (h *ProductHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.decodeUpdate(r)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to decode request body",
			slog.String("error", err.Error()),
		)
		response.Error(w, http.StatusBadRequest, err)
		return
	}

	product, err := h.service.UpdateProduct(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, product)
}

// DeleteProduct handles DELETE /products/{id}
func (h *ProductHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.SoftDeleteProduct(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "product deleted"})
}

// RestoreProduct handles POST /products/restore/{id}
func (h *ProductHandler) RestoreProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.RestoreProduct(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"message": "product restored"})
}

// ListDeadLetters handles GET /admin/jobs/dead
func (h *ProductHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.service.ListDeadLetters(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, letters)
}

func (h *ProductHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidProductName), errors.Is(err, domain.ErrInvalidProductPrice):
		response.Error(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrProductNotFound):
		response.Error(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrQueueFull):
		// Retryable: the client should back off and resubmit.
		w.Header().Set("Retry-After", "1")
		response.Error(w, http.StatusServiceUnavailable, err)
	default:
		response.Error(w, http.StatusInternalServerError, err)
	}
}

func (h *ProductHandler) decodeCreate(r *http.Request) (*dto.CreateProductRequest, error) {
	name, description, price, imageName, imageData, err := decodeProductForm(r)
	if err != nil {
		return nil, err
	}
	return &dto.CreateProductRequest{
		Name:        name,
		Description: description,
		Price:       price,
		ImageName:   imageName,
		ImageData:   imageData,
	}, nil
}

func (h *ProductHandler) decodeUpdate(r *http.Request) (*dto.UpdateProductRequest, error) {
	name, description, price, imageName, imageData, err := decodeProductForm(r)
	if err != nil {
		return nil, err
	}
	return &dto.UpdateProductRequest{
		Name:        name,
		Description: description,
		Price:       price,
		ImageName:   imageName,
		ImageData:   imageData,
	}, nil
}

// decodeProductForm reads product fields from either a JSON body or a
// multipart form with an optional image file.
func decodeProductForm(r *http.Request) (name, description string, price *float64, imageName string, imageData []byte, err error) {
	contentType := r.Header.Get("Content-Type")
	if !isMultipart(contentType) {
		var req dto.CreateProductRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			return
		}
		return req.Name, req.Description, req.Price, "", nil, nil
	}

	if err = r.ParseMultipartForm(maxUploadBytes); err != nil {
		return
	}

	name = r.FormValue("name")
	description = r.FormValue("description")

	if raw := r.FormValue("price"); raw != "" {
		parsed, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			err = domain.ErrInvalidProductPrice
			return
		}
		price = &parsed
	}

	file, header, formErr := r.FormFile("image")
	if formErr != nil {
		if errors.Is(formErr, http.ErrMissingFile) {
			return
		}
		err = formErr
		return
	}
	defer file.Close()

	imageData, err = io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return
	}
	imageName = header.Filename
	return
}

func isMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "multipart/form-data"
}

func includeDeleted(r *http.Request) bool {
	return r.URL.Query().Get("deleted") == "true"
}

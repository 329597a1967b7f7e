package service

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/app/dto"
	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// ProductService handles product use cases. Every mutating operation
// assumes the caller already passed the boundary role check; the service
// never re-derives permissions.
type ProductService struct {
	repo   domain.ProductRepository
	blobs  domain.BlobStore
	queue  domain.JobQueue
	tracer trace.Tracer
	logger *slog.Logger

	productCreatedCounter  metric.Int64Counter
	productDeferredCounter metric.Int64Counter
	productOperations      metric.Int64Counter
}

// NewProductService creates a new product service
func NewProductService(
	repo domain.ProductRepository,
	blobs domain.BlobStore,
	queue domain.JobQueue,
	tracer trace.Tracer,
	meter metric.Meter,
	logger *slog.Logger,
) *ProductService {
	// Initialize metrics
	productCreatedCounter, _ := meter.Int64Counter(
		"products.created.total",
		metric.WithDescription("Total number of products created synchronously"),
	)

	productDeferredCounter, _ := meter.Int64Counter(
		"products.deferred.total",
		metric.WithDescription("Total number of product creates deferred to the ingest queue"),
	)

	productOperations, _ := meter.Int64Counter(
		"products.operations",
		metric.WithDescription("Total number of product operations"),
	)

	return &ProductService{
		repo:                   repo,
		blobs:                  blobs,
		queue:                  queue,
		tracer:                 tracer,
		logger:                 logger,
		productCreatedCounter:  productCreatedCounter,
		productDeferredCounter: productDeferredCounter,
		productOperations:      productOperations,
	}
}

func (s *ProductService) recordOperation(ctx context.Context, operation, result string) {
	s.productOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("result", result),
		),
	)
}

// CreateProduct creates a new product. Without an image the row is written
// synchronously and returned. With an image the blob is stored first, the
// create is enqueued for the ingest worker, and only an acknowledgment is
// returned; the row becomes visible once the job completes.
func (s *ProductService) CreateProduct(ctx context.Context, req *dto.CreateProductRequest) (*dto.ProductResponse, *dto.AcceptedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.CreateProduct")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.name", req.Name),
		attribute.Bool("product.has_image", len(req.ImageData) > 0),
	)

	fields, err := validateFields(req.Name, req.Description, req.Price)
	if err != nil {
		// Rejected before any blob or queue side effect.
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		s.logger.WarnContext(ctx, "Product create rejected",
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}

	if len(req.ImageData) == 0 {
		return s.createDirect(ctx, span, fields)
	}
	return s.createDeferred(ctx, span, fields, req.ImageName, req.ImageData)
}

func (s *ProductService) createDirect(ctx context.Context, span trace.Span, fields domain.ProductFields) (*dto.ProductResponse, *dto.AcceptedResponse, error) {
	product, err := domain.NewProduct(fields.Name, fields.Description, fields.Price, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}

	span.SetAttributes(attribute.String("product.id", product.ID))

	if err := s.repo.Create(ctx, product); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store product")
		s.logger.ErrorContext(ctx, "Failed to store product",
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}

	s.productCreatedCounter.Add(ctx, 1)
	s.recordOperation(ctx, "create", "success")

	s.logger.InfoContext(ctx, "Product created",
		slog.String("product_id", product.ID),
	)

	span.SetStatus(codes.Ok, "Product created")
	return dto.ToProductResponse(product), nil, nil
}

func (s *ProductService) createDeferred(ctx context.Context, span trace.Span, fields domain.ProductFields, imageName string, imageData []byte) (*dto.ProductResponse, *dto.AcceptedResponse, error) {
	path, err := s.blobs.Store(ctx, imageName, imageData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store image")
		s.logger.ErrorContext(ctx, "Failed to store image",
			slog.String("image", imageName),
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}
	fields.Image = path

	envelope, err := domain.NewEnvelope(fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}

	jobID, err := s.queue.Enqueue(ctx, envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to enqueue ingest job")
		s.logger.ErrorContext(ctx, "Failed to enqueue ingest job",
			slog.String("envelope_id", envelope.ID),
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "create", "failure")
		return nil, nil, err
	}

	s.productDeferredCounter.Add(ctx, 1)
	s.recordOperation(ctx, "create", "accepted")

	s.logger.InfoContext(ctx, "Product create deferred to ingest queue",
		slog.String("envelope_id", envelope.ID),
		slog.String("job_id", string(jobID)),
		slog.String("image", path),
	)

	span.SetAttributes(
		attribute.String("product.id", envelope.ID),
		attribute.String("job.id", string(jobID)),
	)
	span.SetStatus(codes.Ok, "Product create accepted")

	return nil, &dto.AcceptedResponse{
		Message:   "product accepted and is being processed",
		ProductID: envelope.ID,
		JobID:     string(jobID),
		Image:     path,
	}, nil
}

// GetProductByID retrieves a product by ID
func (s *ProductService) GetProductByID(ctx context.Context, id string, includeDeleted bool) (*dto.ProductResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.GetProductByID")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.id", id),
		attribute.Bool("product.include_deleted", includeDeleted),
	)

	product, err := s.repo.FindByID(ctx, id, includeDeleted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Product not found")
		s.recordOperation(ctx, "read", "not_found")
		return nil, err
	}

	s.recordOperation(ctx, "read", "success")

	span.SetStatus(codes.Ok, "Product retrieved")
	return dto.ToProductResponse(product), nil
}

// ListProducts retrieves all products, optionally including soft-deleted ones
func (s *ProductService) ListProducts(ctx context.Context, includeDeleted bool) ([]*dto.ProductResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.ListProducts")
	defer span.End()

	span.SetAttributes(attribute.Bool("product.include_deleted", includeDeleted))

	products, err := s.repo.FindAll(ctx, includeDeleted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to retrieve products")
		s.logger.ErrorContext(ctx, "Failed to list products",
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "list", "failure")
		return nil, err
	}

	span.SetAttributes(attribute.Int("product.count", len(products)))
	s.recordOperation(ctx, "list", "success")

	span.SetStatus(codes.Ok, "Products listed")
	return dto.ToProductResponseList(products), nil
}

// UpdateProduct validates and updates a live product. A new image, when
// present, is stored synchronously before the row is written.
func (s *ProductService) UpdateProduct(ctx context.Context, id string, req *dto.UpdateProductRequest) (*dto.ProductResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.UpdateProduct")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	fields, err := validateFields(req.Name, req.Description, req.Price)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Validation failed")
		s.logger.WarnContext(ctx, "Product update rejected",
			slog.String("product_id", id),
			slog.String("error", err.Error()),
		)
		s.recordOperation(ctx, "update", "failure")
		return nil, err
	}

	if len(req.ImageData) > 0 {
		path, err := s.blobs.Store(ctx, req.ImageName, req.ImageData)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to store image")
			s.recordOperation(ctx, "update", "failure")
			return nil, err
		}
		fields.Image = path
	}

	product, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update product")
		s.recordOperation(ctx, "update", "failure")
		return nil, err
	}

	s.recordOperation(ctx, "update", "success")

	s.logger.InfoContext(ctx, "Product updated",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product updated")
	return dto.ToProductResponse(product), nil
}

// SoftDeleteProduct marks a live product as deleted
func (s *ProductService) SoftDeleteProduct(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "ProductService.SoftDeleteProduct")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to soft-delete product")
		s.recordOperation(ctx, "delete", "failure")
		return err
	}

	s.recordOperation(ctx, "delete", "success")

	s.logger.InfoContext(ctx, "Product soft-deleted",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product soft-deleted")
	return nil
}

// RestoreProduct brings a soft-deleted product back
func (s *ProductService) RestoreProduct(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "ProductService.RestoreProduct")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	if err := s.repo.Restore(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to restore product")
		s.recordOperation(ctx, "restore", "failure")
		return err
	}

	s.recordOperation(ctx, "restore", "success")

	s.logger.InfoContext(ctx, "Product restored",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product restored")
	return nil
}

// ListDeadLetters exposes dead-lettered ingest jobs for operators
func (s *ProductService) ListDeadLetters(ctx context.Context) ([]*dto.DeadLetterResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.ListDeadLetters")
	defer span.End()

	letters, err := s.queue.DeadLetters(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to list dead letters")
		return nil, err
	}

	span.SetAttributes(attribute.Int("job.dead_letter_count", len(letters)))
	span.SetStatus(codes.Ok, "Dead letters listed")
	return dto.ToDeadLetterResponseList(letters), nil
}

// validateFields normalizes a request into validated product fields.
// A missing price is a validation error, not a zero price.
func validateFields(name, description string, price *float64) (domain.ProductFields, error) {
	if price == nil {
		if name == "" {
			return domain.ProductFields{}, domain.ErrInvalidProductName
		}
		return domain.ProductFields{}, domain.ErrInvalidProductPrice
	}

	fields := domain.ProductFields{
		Name:        name,
		Description: description,
		Price:       *price,
	}
	if err := fields.Validate(); err != nil {
		return domain.ProductFields{}, err
	}
	return fields, nil
}

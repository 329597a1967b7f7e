package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// ProductRepository is an in-memory implementation of domain.ProductRepository
type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewProductRepository creates a new in-memory product repository
func NewProductRepository(tracer trace.Tracer, logger *slog.Logger) *ProductRepository {
	return &ProductRepository{
		products: make(map[string]*domain.Product),
		tracer:   tracer,
		logger:   logger,
	}
}

// Create stores a new product
func (r *ProductRepository) Create(ctx context.Context, product *domain.Product) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.id", product.ID),
		attribute.String("product.name", product.Name),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *product
	r.products[product.ID] = &stored

	r.logger.InfoContext(ctx, "Product created in repository",
		slog.String("product_id", product.ID),
		slog.String("product_name", product.Name),
	)

	span.SetStatus(codes.Ok, "Product created successfully")
	return nil
}

// FindByID retrieves a product by ID. Soft-deleted products are only
// returned when includeDeleted is set.
func (r *ProductRepository) FindByID(ctx context.Context, id string, includeDeleted bool) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.FindByID")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.id", id),
		attribute.Bool("product.include_deleted", includeDeleted),
	)

	r.mu.RLock()
	defer r.mu.RUnlock()

	product, exists := r.products[id]
	if !exists || (product.IsDeleted() && !includeDeleted) {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		r.logger.WarnContext(ctx, "Product not found",
			slog.String("product_id", id),
		)
		return nil, domain.ErrProductNotFound
	}

	found := *product

	span.SetStatus(codes.Ok, "Product found")
	return &found, nil
}

// FindAll retrieves all live products, plus soft-deleted ones when
// includeDeleted is set.
func (r *ProductRepository) FindAll(ctx context.Context, includeDeleted bool) ([]*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.FindAll")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	products := make([]*domain.Product, 0, len(r.products))
	for _, product := range r.products {
		if product.IsDeleted() && !includeDeleted {
			continue
		}
		found := *product
		products = append(products, &found)
	}

	span.SetAttributes(attribute.Int("product.count", len(products)))

	r.logger.DebugContext(ctx, "Products retrieved from repository",
		slog.Int("count", len(products)),
	)

	span.SetStatus(codes.Ok, "Products retrieved successfully")
	return products, nil
}

// Update overwrites the mutable fields of a live product
func (r *ProductRepository) Update(ctx context.Context, id string, fields domain.ProductFields) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Update")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	r.mu.Lock()
	defer r.mu.Unlock()

	product, exists := r.products[id]
	if !exists || product.IsDeleted() {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return nil, domain.ErrProductNotFound
	}

	product.Name = fields.Name
	product.Description = fields.Description
	product.Price = fields.Price
	if fields.Image != "" {
		product.Image = fields.Image
	}
	product.UpdatedAt = time.Now()

	r.logger.InfoContext(ctx, "Product updated in repository",
		slog.String("product_id", id),
	)

	updated := *product

	span.SetStatus(codes.Ok, "Product updated successfully")
	return &updated, nil
}

// SoftDelete marks a live product as deleted
func (r *ProductRepository) SoftDelete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.SoftDelete")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	r.mu.Lock()
	defer r.mu.Unlock()

	product, exists := r.products[id]
	if !exists || product.IsDeleted() {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return domain.ErrProductNotFound
	}

	now := time.Now()
	product.DeletedAt = &now
	product.UpdatedAt = now

	r.logger.InfoContext(ctx, "Product soft-deleted in repository",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product soft-deleted successfully")
	return nil
}

// Restore clears the deleted flag of a soft-deleted product
func (r *ProductRepository) Restore(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Restore")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	r.mu.Lock()
	defer r.mu.Unlock()

	product, exists := r.products[id]
	if !exists || !product.IsDeleted() {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return domain.ErrProductNotFound
	}

	product.DeletedAt = nil
	product.UpdatedAt = time.Now()

	r.logger.InfoContext(ctx, "Product restored in repository",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product restored successfully")
	return nil
}

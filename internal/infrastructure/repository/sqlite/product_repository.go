package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// productModel is the GORM mapping of a product row. Soft delete rides on
// gorm.DeletedAt so the default scope hides deleted rows.
type productModel struct {
	ID          string  `gorm:"primarykey;size:36"`
	Name        string  `gorm:"size:100;not null"`
	Description string  `gorm:"size:500"`
	Price       float64 `gorm:"not null"`
	Image       string  `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// TableName returns the table name for the product model
func (productModel) TableName() string {
	return "products"
}

// Open connects to the SQLite database and runs migrations
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&productModel{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// ProductRepository is a GORM/SQLite implementation of domain.ProductRepository
type ProductRepository struct {
	db     *gorm.DB
	tracer trace.Tracer
	logger *slog.Logger
}

// NewProductRepository creates a new SQLite product repository
func NewProductRepository(db *gorm.DB, tracer trace.Tracer, logger *slog.Logger) *ProductRepository {
	return &ProductRepository{
		db:     db,
		tracer: tracer,
		logger: logger,
	}
}

func toDomain(m *productModel) *domain.Product {
	product := &domain.Product{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Price:       m.Price,
		Image:       m.Image,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.DeletedAt.Valid {
		deletedAt := m.DeletedAt.Time
		product.DeletedAt = &deletedAt
	}
	return product
}

// Create stores a new product
func (r *ProductRepository) Create(ctx context.Context, product *domain.Product) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.id", product.ID),
		attribute.String("product.name", product.Name),
	)

	model := productModel{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Price:       product.Price,
		Image:       product.Image,
		CreatedAt:   product.CreatedAt,
		UpdatedAt:   product.UpdatedAt,
	}

	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create product")
		return fmt.Errorf("failed to create product: %w", err)
	}

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

	tx := r.db.WithContext(ctx)
	if includeDeleted {
		tx = tx.Unscoped()
	}

	var model productModel
	if err := tx.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.RecordError(domain.ErrProductNotFound)
			span.SetStatus(codes.Error, "Product not found")
			r.logger.WarnContext(ctx, "Product not found",
				slog.String("product_id", id),
			)
			return nil, domain.ErrProductNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find product")
		return nil, fmt.Errorf("failed to find product: %w", err)
	}

	span.SetStatus(codes.Ok, "Product found")
	return toDomain(&model), nil
}

// FindAll retrieves all live products, plus soft-deleted ones when
// includeDeleted is set.
func (r *ProductRepository) FindAll(ctx context.Context, includeDeleted bool) ([]*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.FindAll")
	defer span.End()

	tx := r.db.WithContext(ctx)
	if includeDeleted {
		tx = tx.Unscoped()
	}

	var models []productModel
	if err := tx.Order("created_at").Find(&models).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to find products")
		return nil, fmt.Errorf("failed to find products: %w", err)
	}

	products := make([]*domain.Product, 0, len(models))
	for i := range models {
		products = append(products, toDomain(&models[i]))
	}

	span.SetAttributes(attribute.Int("product.count", len(products)))
	span.SetStatus(codes.Ok, "Products retrieved successfully")
	return products, nil
}

// Update overwrites the mutable fields of a live product
func (r *ProductRepository) Update(ctx context.Context, id string, fields domain.ProductFields) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.Update")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	updates := map[string]interface{}{
		"name":        fields.Name,
		"description": fields.Description,
		"price":       fields.Price,
		"updated_at":  time.Now(),
	}
	if fields.Image != "" {
		updates["image"] = fields.Image
	}

	result := r.db.WithContext(ctx).Model(&productModel{}).Where("id = ?", id).Updates(updates)
	if err := result.Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to update product")
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	if result.RowsAffected == 0 {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return nil, domain.ErrProductNotFound
	}

	var model productModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to reload product")
		return nil, fmt.Errorf("failed to reload product: %w", err)
	}

	r.logger.InfoContext(ctx, "Product updated in repository",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product updated successfully")
	return toDomain(&model), nil
}

// SoftDelete marks a live product as deleted
func (r *ProductRepository) SoftDelete(ctx context.Context, id string) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.SoftDelete")
	defer span.End()

	span.SetAttributes(attribute.String("product.id", id))

	result := r.db.WithContext(ctx).Delete(&productModel{}, "id = ?", id)
	if err := result.Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to soft-delete product")
		return fmt.Errorf("failed to soft-delete product: %w", err)
	}
	if result.RowsAffected == 0 {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return domain.ErrProductNotFound
	}

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

	result := r.db.WithContext(ctx).Unscoped().Model(&productModel{}).
		Where("id = ? AND deleted_at IS NOT NULL", id).
		Updates(map[string]interface{}{"deleted_at": nil, "updated_at": time.Now()})
	if err := result.Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to restore product")
		return fmt.Errorf("failed to restore product: %w", err)
	}
	if result.RowsAffected == 0 {
		span.RecordError(domain.ErrProductNotFound)
		span.SetStatus(codes.Error, "Product not found")
		return domain.ErrProductNotFound
	}

	r.logger.InfoContext(ctx, "Product restored in repository",
		slog.String("product_id", id),
	)

	span.SetStatus(codes.Ok, "Product restored successfully")
	return nil
}

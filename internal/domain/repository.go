package domain

import (
	"context"
	"errors"
)

var (
	ErrProductNotFound = errors.New("product not found")
)

// ProductRepository defines the contract for product storage.
// Soft-deleted rows are excluded from reads unless includeDeleted is set.
// SoftDelete and Restore fail with ErrProductNotFound when the target is
// absent or already in the requested lifecycle state.
type ProductRepository interface {
	Create(ctx context.Context, product *Product) error
	FindByID(ctx context.Context, id string, includeDeleted bool) (*Product, error)
	FindAll(ctx context.Context, includeDeleted bool) ([]*Product, error)
	Update(ctx context.Context, id string, fields ProductFields) (*Product, error)
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
}

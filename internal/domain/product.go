package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidProductName  = errors.New("product name is required")
	ErrInvalidProductPrice = errors.New("product price must be non-negative")
)

// Product represents the product entity
type Product struct {
	ID          string
	Name        string
	Description string
	Price       float64
	Image       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// NewProduct creates a new product with validation
func NewProduct(name, description string, price float64, image string) (*Product, error) {
	product := &Product{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Price:       price,
		Image:       image,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := product.Validate(); err != nil {
		return nil, err
	}

	return product, nil
}

// Validate performs business validation on the product
func (p *Product) Validate() error {
	if p.Name == "" {
		return ErrInvalidProductName
	}
	if p.Price < 0 {
		return ErrInvalidProductPrice
	}
	return nil
}

// IsDeleted reports whether the product is soft-deleted
func (p *Product) IsDeleted() bool {
	return p.DeletedAt != nil
}

// ProductFields carries the mutable fields for an update
type ProductFields struct {
	Name        string
	Description string
	Price       float64
	Image       string
}

// Validate checks the update fields with the same rules as NewProduct
func (f ProductFields) Validate() error {
	if f.Name == "" {
		return ErrInvalidProductName
	}
	if f.Price < 0 {
		return ErrInvalidProductPrice
	}
	return nil
}

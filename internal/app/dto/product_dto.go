package dto

import (
	"time"

	"github.com/mrops-br/product-catalog-api/internal/domain"
)

// CreateProductRequest represents the request to create a product.
// Price is a pointer so a missing price can be told apart from zero.
// ImageName/ImageData are populated from multipart uploads only and never
// travel as JSON.
type CreateProductRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	ImageName   string   `json:"-"`
	ImageData   []byte   `json:"-"`
}

// UpdateProductRequest represents the request to update a product
type UpdateProductRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       *float64 `json:"price"`
	ImageName   string   `json:"-"`
	ImageData   []byte   `json:"-"`
}

// ProductResponse represents the product response
type ProductResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Price       float64    `json:"price"`
	Image       string     `json:"image,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// AcceptedResponse acknowledges a deferred create. The product row does
// not exist yet; clients re-query by product id once the job completes.
type AcceptedResponse struct {
	Message   string `json:"message"`
	ProductID string `json:"product_id"`
	JobID     string `json:"job_id"`
	Image     string `json:"image"`
}

// DeadLetterResponse represents a dead-lettered ingest job
type DeadLetterResponse struct {
	JobID    string    `json:"job_id"`
	Product  string    `json:"product_name"`
	Image    string    `json:"image"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// ToProductResponse converts a domain Product to ProductResponse
func ToProductResponse(p *domain.Product) *ProductResponse {
	return &ProductResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Image:       p.Image,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		DeletedAt:   p.DeletedAt,
	}
}

// ToProductResponseList converts a list of domain Products to ProductResponse list
func ToProductResponseList(products []*domain.Product) []*ProductResponse {
	responses := make([]*ProductResponse, len(products))
	for i, p := range products {
		responses[i] = ToProductResponse(p)
	}
	return responses
}

// ToDeadLetterResponseList converts dead letters to their response form
func ToDeadLetterResponseList(letters []domain.DeadLetter) []*DeadLetterResponse {
	responses := make([]*DeadLetterResponse, len(letters))
	for i, l := range letters {
		responses[i] = &DeadLetterResponse{
			JobID:    string(l.JobID),
			Product:  l.Envelope.Name,
			Image:    l.Envelope.Image,
			Reason:   l.Reason,
			Attempts: l.Attempts,
			FailedAt: l.FailedAt,
		}
	}
	return responses
}

package catalog

import (
	"context"
)

// Service defines the interface for the product catalog.
type Service interface {
	CreateProduct(ctx context.Context, req CreateRequest) (*Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	UpdateProduct(ctx context.Context, id int64, req UpdateRequest) (*Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, page PageRequest) (*Page, error)
}

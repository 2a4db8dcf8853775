package inventory

import (
	"context"
)

// Service defines the inventory mutation engine.
type Service interface {
	CreateInventory(ctx context.Context, productID int64, req CreateRequest) (*View, error)
	GetInventory(ctx context.Context, productID int64) (*View, error)
	ProcessPurchase(ctx context.Context, productID int64, quantity int) (*View, error)
	UpdateInventory(ctx context.Context, productID int64, req UpdateRequest) (*View, error)
	ListInventories(ctx context.Context, page PageRequest) (*Page, error)
	ListLowStock(ctx context.Context, page PageRequest) (*Page, error)
	ReconcileOrphans(ctx context.Context) (int, error)
}

// ProductLookup resolves product metadata from the catalog service.
// Any error is treated as the product being unavailable.
type ProductLookup interface {
	GetProduct(ctx context.Context, productID int64) (*Product, error)
}

// Publisher receives change events after a mutation commits.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent)
}

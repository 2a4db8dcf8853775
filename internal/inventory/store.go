package inventory

import (
	"context"
	"strings"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Store is the durable home of inventory records.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	FindByProductID(ctx context.Context, productID int64) (*Record, error)
	// FindPage returns one sorted page and the total row count. With lowStockOnly
	// only rows where quantity <= min_quantity are counted and returned.
	FindPage(ctx context.Context, page PageRequest, lowStockOnly bool) ([]*Record, int64, error)
	FindAll(ctx context.Context) ([]*Record, error)
}

// Tx is a unit of work against the Store. Rollback after Commit is a no-op.
type Tx interface {
	FindByProductID(ctx context.Context, productID int64) (*Record, error)
	// FindByProductIDForUpdate holds an exclusive lock on the row until the
	// transaction ends.
	FindByProductIDForUpdate(ctx context.Context, productID int64) (*Record, error)
	ExistsByProductID(ctx context.Context, productID int64) (bool, error)
	// Save inserts records with a zero ID and otherwise updates them when the stored
	// version still matches, bumping rec.Version. A stale version yields ErrVersionConflict.
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, rec *Record) error
	Commit() error
	Rollback() error
}

type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// PageRequest selects a zero-based page of records.
type PageRequest struct {
	Number    int
	Size      int
	Sort      string
	Direction SortDirection
}

var sortColumns = map[string]string{
	"id":           "id",
	"productid":    "product_id",
	"product_id":   "product_id",
	"quantity":     "quantity",
	"minquantity":  "min_quantity",
	"min_quantity": "min_quantity",
	"maxquantity":  "max_quantity",
	"max_quantity": "max_quantity",
	"createdat":    "created_at",
	"created_at":   "created_at",
	"updatedat":    "updated_at",
	"updated_at":   "updated_at",
}

// Normalize applies defaults and rejects unknown sort keys or directions.
func (p PageRequest) Normalize() (PageRequest, error) {
	if p.Number < 0 {
		return p, &ValidationError{Field: "page", Message: "must be zero or greater"}
	}
	if p.Size == 0 {
		p.Size = DefaultPageSize
	}
	if p.Size < 0 || p.Size > MaxPageSize {
		return p, &ValidationError{Field: "size", Message: "must be between 1 and 100"}
	}
	if p.Sort == "" {
		p.Sort = "id"
	}
	if _, ok := sortColumns[strings.ToLower(p.Sort)]; !ok {
		return p, &ValidationError{Field: "sort", Message: "is not a sortable field"}
	}
	switch SortDirection(strings.ToUpper(string(p.Direction))) {
	case "", SortAsc:
		p.Direction = SortAsc
	case SortDesc:
		p.Direction = SortDesc
	default:
		return p, &ValidationError{Field: "direction", Message: "must be ASC or DESC"}
	}
	return p, nil
}

// SortColumn maps the requested sort key to its storage column.
func (p PageRequest) SortColumn() string {
	if col, ok := sortColumns[strings.ToLower(p.Sort)]; ok {
		return col
	}
	return "id"
}

func (p PageRequest) Offset() int {
	return p.Number * p.Size
}

// Page is one page of projected views plus its navigation metadata.
// Navigation is computed from the store's total so every page agrees on it;
// Dropped counts records on this page whose product could not be resolved.
type Page struct {
	Items         []*View `json:"items"`
	Number        int     `json:"number"`
	Size          int     `json:"size"`
	TotalElements int64   `json:"total_elements"`
	TotalPages    int     `json:"total_pages"`
	HasNext       bool    `json:"has_next"`
	HasPrevious   bool    `json:"has_previous"`
	Dropped       int     `json:"dropped"`
}

func newPage(req PageRequest, items []*View, total int64, dropped int) *Page {
	totalPages := 0
	if req.Size > 0 {
		totalPages = int((total + int64(req.Size) - 1) / int64(req.Size))
	}
	if items == nil {
		items = []*View{}
	}
	return &Page{
		Items:         items,
		Number:        req.Number,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    totalPages,
		HasNext:       req.Number+1 < totalPages,
		HasPrevious:   req.Number > 0,
		Dropped:       dropped,
	}
}

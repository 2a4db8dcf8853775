package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Default thresholds applied when a create request leaves them unset.
const (
	DefaultMinQuantity = 10
	DefaultMaxQuantity = 1000
)

var (
	ErrNotFound           = errors.New("inventory not found")
	ErrDuplicateInventory = errors.New("inventory already exists for product")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrValidation         = errors.New("validation failed")
	ErrVersionConflict    = errors.New("concurrent modification: version mismatch")
)

// Record is the per-product stock row.
type Record struct {
	ID          int64     `json:"id" db:"id"`
	ProductID   int64     `json:"product_id" db:"product_id"`
	Quantity    int       `json:"quantity" db:"quantity"`
	MinQuantity int       `json:"min_quantity" db:"min_quantity"`
	MaxQuantity int       `json:"max_quantity" db:"max_quantity"`
	Version     int64     `json:"version" db:"version"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// LowStock reports whether the record sits at or below its reorder threshold.
func (r *Record) LowStock() bool {
	return r.Quantity <= r.MinQuantity
}

// Product is the catalog metadata the inventory service needs for its views.
type Product struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// View projects a stock record together with its product metadata.
type View struct {
	ID          int64     `json:"id"`
	ProductID   int64     `json:"product_id"`
	Quantity    int       `json:"quantity"`
	MinQuantity int       `json:"min_quantity"`
	MaxQuantity int       `json:"max_quantity"`
	LowStock    bool      `json:"low_stock"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Product     Product   `json:"product"`
}

func newView(rec *Record, product *Product) *View {
	return &View{
		ID:          rec.ID,
		ProductID:   rec.ProductID,
		Quantity:    rec.Quantity,
		MinQuantity: rec.MinQuantity,
		MaxQuantity: rec.MaxQuantity,
		LowStock:    rec.LowStock(),
		Version:     rec.Version,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Product:     *product,
	}
}

// Operation identifies the mutation that produced a ChangeEvent.
type Operation string

const (
	OperationCreate        Operation = "CREATE"
	OperationPurchase      Operation = "PURCHASE"
	OperationUpdate        Operation = "UPDATE"
	OperationOrphanRemoval Operation = "ORPHAN_REMOVAL"
)

// ChangeEvent is emitted after every committed stock mutation.
type ChangeEvent struct {
	ProductID        int64     `json:"product_id"`
	PreviousQuantity int       `json:"previous_quantity"`
	NewQuantity      int       `json:"new_quantity"`
	Operation        Operation `json:"operation"`
	Timestamp        time.Time `json:"timestamp"`
}

// CreateRequest carries the initial stock for a product. Nil thresholds take the defaults.
type CreateRequest struct {
	Quantity    int  `json:"quantity"`
	MinQuantity *int `json:"min_quantity,omitempty"`
	MaxQuantity *int `json:"max_quantity,omitempty"`
}

func (r CreateRequest) Validate() error {
	if r.Quantity < 0 {
		return &ValidationError{Field: "quantity", Message: "must be zero or greater"}
	}
	return validateThresholds(r.MinQuantity, r.MaxQuantity)
}

// UpdateRequest overwrites the stock level. Nil thresholds are left unchanged.
type UpdateRequest struct {
	Quantity    int  `json:"quantity"`
	MinQuantity *int `json:"min_quantity,omitempty"`
	MaxQuantity *int `json:"max_quantity,omitempty"`
}

func (r UpdateRequest) Validate() error {
	if r.Quantity < 0 {
		return &ValidationError{Field: "quantity", Message: "must be zero or greater"}
	}
	return validateThresholds(r.MinQuantity, r.MaxQuantity)
}

func validateThresholds(min, max *int) error {
	if min != nil && *min < 0 {
		return &ValidationError{Field: "min_quantity", Message: "must be zero or greater"}
	}
	if max != nil && *max < 1 {
		return &ValidationError{Field: "max_quantity", Message: "must be at least 1"}
	}
	return nil
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError reports a purchase larger than the available quantity.
type InsufficientStockError struct {
	ProductID int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Package catalog is the product service: names and prices that the
// inventory service resolves over HTTP.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound  = errors.New("product not found")
	ErrDuplicateProduct = errors.New("product name already exists")
	ErrValidation       = errors.New("validation failed")
)

var (
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("9999999999.99")
)

// Product represents a sellable item.
type Product struct {
	ID        int64           `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type CreateRequest struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

func (r *CreateRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if err := validateName(r.Name); err != nil {
		return err
	}
	return validatePrice(r.Price)
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	Name  *string          `json:"name,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

func (r *UpdateRequest) Validate() error {
	if r.Name == nil && r.Price == nil {
		return &ValidationError{Field: "data", Message: "must set name or price"}
	}
	if r.Name != nil {
		name := strings.TrimSpace(*r.Name)
		r.Name = &name
		if err := validateName(name); err != nil {
			return err
		}
	}
	if r.Price != nil {
		return validatePrice(*r.Price)
	}
	return nil
}

func validateName(name string) error {
	if n := utf8.RuneCountInString(name); n < 3 || n > 100 {
		return &ValidationError{Field: "name", Message: "must be between 3 and 100 characters"}
	}
	return nil
}

func validatePrice(price decimal.Decimal) error {
	if price.LessThan(minPrice) {
		return &ValidationError{Field: "price", Message: "must be at least 0.01"}
	}
	if price.GreaterThan(maxPrice) {
		return &ValidationError{Field: "price", Message: "is too large"}
	}
	if !price.Equal(price.Round(2)) {
		return &ValidationError{Field: "price", Message: "must have at most two decimal places"}
	}
	return nil
}

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

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// PageRequest selects a zero-based page of products.
type PageRequest struct {
	Number     int
	Size       int
	Sort       string
	Descending bool
}

var sortColumns = map[string]string{
	"id":         "id",
	"name":       "name",
	"price":      "price",
	"createdat":  "created_at",
	"created_at": "created_at",
}

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
		return p, &ValidationError{Field: "sort", Message: "must be one of id, name, price, createdAt"}
	}
	return p, nil
}

func (p PageRequest) SortColumn() string {
	if col, ok := sortColumns[strings.ToLower(p.Sort)]; ok {
		return col
	}
	return "id"
}

type Page struct {
	Items         []*Product
	Number        int
	Size          int
	TotalElements int64
	TotalPages    int
}

func (p *Page) HasNext() bool     { return p.Number+1 < p.TotalPages }
func (p *Page) HasPrevious() bool { return p.Number > 0 }

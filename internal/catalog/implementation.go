package catalog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// service implements the Service interface.
type service struct {
	repo   Repository
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, logger *zap.Logger) Service {
	return &service{
		repo:   repo,
		logger: logger.Named("catalog.service"),
		tracer: otel.Tracer("stockmesh/catalog"),
	}
}

func (s *service) CreateProduct(ctx context.Context, req CreateRequest) (*Product, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.create_product")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, recordErr(span, err)
	}

	taken, err := s.repo.ExistsByName(ctx, req.Name, 0)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if taken {
		return nil, recordErr(span, fmt.Errorf("%w: %q", ErrDuplicateProduct, req.Name))
	}

	product := &Product{Name: req.Name, Price: req.Price}
	if err := s.repo.Create(ctx, product); err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(attribute.Int64("product.id", product.ID))
	s.logger.Info("product created", zap.Int64("product_id", product.ID), zap.String("name", product.Name))
	return product, nil
}

func (s *service) GetProduct(ctx context.Context, id int64) (*Product, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_product",
		trace.WithAttributes(attribute.Int64("product.id", id)),
	)
	defer span.End()

	product, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return product, nil
}

// UpdateProduct applies a partial update. A new name must stay unique.
func (s *service) UpdateProduct(ctx context.Context, id int64, req UpdateRequest) (*Product, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_product",
		trace.WithAttributes(attribute.Int64("product.id", id)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, recordErr(span, err)
	}

	product, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, recordErr(span, err)
	}

	if req.Name != nil && *req.Name != product.Name {
		taken, err := s.repo.ExistsByName(ctx, *req.Name, id)
		if err != nil {
			return nil, recordErr(span, err)
		}
		if taken {
			return nil, recordErr(span, fmt.Errorf("%w: %q", ErrDuplicateProduct, *req.Name))
		}
		product.Name = *req.Name
	}
	if req.Price != nil {
		product.Price = *req.Price
	}

	if err := s.repo.Update(ctx, product); err != nil {
		return nil, recordErr(span, err)
	}

	s.logger.Info("product updated", zap.Int64("product_id", id))
	return product, nil
}

func (s *service) DeleteProduct(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "catalog.delete_product",
		trace.WithAttributes(attribute.Int64("product.id", id)),
	)
	defer span.End()

	if err := s.repo.Delete(ctx, id); err != nil {
		return recordErr(span, err)
	}

	s.logger.Info("product deleted", zap.Int64("product_id", id))
	return nil
}

func (s *service) ListProducts(ctx context.Context, req PageRequest) (*Page, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_products")
	defer span.End()

	req, err := req.Normalize()
	if err != nil {
		return nil, recordErr(span, err)
	}

	products, total, err := s.repo.FindPage(ctx, req)
	if err != nil {
		return nil, recordErr(span, err)
	}

	return &Page{
		Items:         products,
		Number:        req.Number,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    int((total + int64(req.Size) - 1) / int64(req.Size)),
	}, nil
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

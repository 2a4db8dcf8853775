package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stockmesh/internal/clock"
	"stockmesh/internal/observability"
)

// service implements the Service interface.
type service struct {
	store    Store
	products ProductLookup
	events   Publisher
	logger   *zap.Logger
	clock    clock.Clock
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// Option customises the inventory service.
type Option func(*service)

func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *service) { s.metrics = m }
}

// NewService creates a new inventory service instance.
func NewService(store Store, products ProductLookup, events Publisher, logger *zap.Logger, opts ...Option) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		store:    store,
		products: products,
		events:   events,
		logger:   logger.Named("inventory.service"),
		clock:    clock.System(),
		tracer:   otel.Tracer("stockmesh/inventory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInventory opens a stock record for a product that exists in the catalog.
func (s *service) CreateInventory(ctx context.Context, productID int64, req CreateRequest) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.create",
		trace.WithAttributes(
			attribute.Int64("product.id", productID),
			attribute.Int("quantity", req.Quantity),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, recordErr(span, err)
	}

	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	exists, err := tx.ExistsByProductID(ctx, productID)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("failed to check existing inventory: %w", err))
	}
	if exists {
		return nil, recordErr(span, fmt.Errorf("%w: product %d", ErrDuplicateInventory, productID))
	}

	now := s.clock.Now()
	rec := &Record{
		ProductID:   productID,
		Quantity:    req.Quantity,
		MinQuantity: intOr(req.MinQuantity, DefaultMinQuantity),
		MaxQuantity: intOr(req.MaxQuantity, DefaultMaxQuantity),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Save(ctx, rec); err != nil {
		return nil, recordErr(span, fmt.Errorf("failed to save inventory: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, recordErr(span, fmt.Errorf("failed to commit inventory: %w", err))
	}

	s.publish(ctx, ChangeEvent{
		ProductID:        productID,
		PreviousQuantity: 0,
		NewQuantity:      rec.Quantity,
		Operation:        OperationCreate,
		Timestamp:        now,
	})

	s.logger.Info("inventory created",
		zap.Int64("product_id", productID),
		zap.Int("quantity", rec.Quantity),
	)
	return newView(rec, product), nil
}

// GetInventory returns the current stock for a product.
func (s *service) GetInventory(ctx context.Context, productID int64) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.get",
		trace.WithAttributes(attribute.Int64("product.id", productID)),
	)
	defer span.End()

	rec, err := s.store.FindByProductID(ctx, productID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	return newView(rec, product), nil
}

// ProcessPurchase deducts stock under the product's exclusive row lock.
func (s *service) ProcessPurchase(ctx context.Context, productID int64, quantity int) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.purchase",
		trace.WithAttributes(
			attribute.Int64("product.id", productID),
			attribute.Int("quantity", quantity),
		),
	)
	defer span.End()

	view, err := s.processPurchase(ctx, productID, quantity)
	s.metrics.PurchaseOutcome(purchaseOutcome(err))
	if err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(
		attribute.Int("quantity.remaining", view.Quantity),
		attribute.Bool("low_stock", view.LowStock),
	)
	return view, nil
}

func (s *service) processPurchase(ctx context.Context, productID int64, quantity int) (*View, error) {
	if quantity < 1 {
		return nil, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}

	// Step 1: Fail fast on unknown inventory before calling the catalog
	if _, err := s.store.FindByProductID(ctx, productID); err != nil {
		return nil, err
	}

	// Step 2: Resolve the product outside the lock
	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	// Step 3: Check and deduct while holding the row lock
	rec, previous, err := s.mutateLocked(ctx, productID, func(rec *Record) error {
		if quantity > rec.Quantity {
			return &InsufficientStockError{
				ProductID: productID,
				Available: rec.Quantity,
				Requested: quantity,
			}
		}
		rec.Quantity -= quantity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ChangeEvent{
		ProductID:        productID,
		PreviousQuantity: previous,
		NewQuantity:      rec.Quantity,
		Operation:        OperationPurchase,
		Timestamp:        rec.UpdatedAt,
	})

	return newView(rec, product), nil
}

// UpdateInventory overwrites the stock level without a sufficiency check.
func (s *service) UpdateInventory(ctx context.Context, productID int64, req UpdateRequest) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.update",
		trace.WithAttributes(
			attribute.Int64("product.id", productID),
			attribute.Int("quantity", req.Quantity),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, recordErr(span, err)
	}

	if _, err := s.store.FindByProductID(ctx, productID); err != nil {
		return nil, recordErr(span, err)
	}

	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return nil, recordErr(span, err)
	}

	rec, previous, err := s.mutateLocked(ctx, productID, func(rec *Record) error {
		rec.Quantity = req.Quantity
		if req.MinQuantity != nil {
			rec.MinQuantity = *req.MinQuantity
		}
		if req.MaxQuantity != nil {
			rec.MaxQuantity = *req.MaxQuantity
		}
		return nil
	})
	if err != nil {
		return nil, recordErr(span, err)
	}

	s.publish(ctx, ChangeEvent{
		ProductID:        productID,
		PreviousQuantity: previous,
		NewQuantity:      rec.Quantity,
		Operation:        OperationUpdate,
		Timestamp:        rec.UpdatedAt,
	})

	return newView(rec, product), nil
}

// ListInventories returns a page of views. Records whose product cannot be
// resolved are left out of the page and out of its totals.
func (s *service) ListInventories(ctx context.Context, page PageRequest) (*Page, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.list")
	defer span.End()

	return s.listPage(ctx, span, page, false)
}

// ListLowStock pages through records at or below their reorder threshold.
func (s *service) ListLowStock(ctx context.Context, page PageRequest) (*Page, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.list_low_stock")
	defer span.End()

	return s.listPage(ctx, span, page, true)
}

func (s *service) listPage(ctx context.Context, span trace.Span, page PageRequest, lowStockOnly bool) (*Page, error) {
	req, err := page.Normalize()
	if err != nil {
		return nil, recordErr(span, err)
	}

	records, total, err := s.store.FindPage(ctx, req, lowStockOnly)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("failed to list inventories: %w", err))
	}

	views := make([]*View, 0, len(records))
	dropped := 0
	for _, rec := range records {
		product, err := s.lookupProduct(ctx, rec.ProductID)
		if err != nil {
			dropped++
			s.logger.Warn("dropping inventory with unresolvable product",
				zap.Int64("product_id", rec.ProductID),
				zap.Error(err),
			)
			continue
		}
		views = append(views, newView(rec, product))
	}

	span.SetAttributes(
		attribute.Int("page.number", req.Number),
		attribute.Int("page.size", req.Size),
		attribute.Int("records.returned", len(views)),
		attribute.Int("records.dropped", dropped),
	)
	return newPage(req, views, total, dropped), nil
}

// ReconcileOrphans deletes every record whose product lookup fails and reports
// how many were removed.
func (s *service) ReconcileOrphans(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.reconcile_orphans")
	defer span.End()

	records, err := s.store.FindAll(ctx)
	if err != nil {
		return 0, recordErr(span, fmt.Errorf("failed to load inventories: %w", err))
	}

	removed := 0
	var errs []error
	for _, rec := range records {
		if _, err := s.lookupProduct(ctx, rec.ProductID); err == nil {
			continue
		}
		// A cancelled sweep must not read every failed lookup as an orphan.
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		ok, err := s.removeOrphan(ctx, rec.ProductID)
		if err != nil {
			s.logger.Error("failed to remove orphan inventory",
				zap.Int64("product_id", rec.ProductID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}

	span.SetAttributes(
		attribute.Int("records.scanned", len(records)),
		attribute.Int("records.removed", removed),
	)
	s.logger.Info("orphan reconciliation finished",
		zap.Int("scanned", len(records)),
		zap.Int("removed", removed),
	)

	if err := errors.Join(errs...); err != nil {
		return removed, recordErr(span, err)
	}
	return removed, nil
}

func (s *service) removeOrphan(ctx context.Context, productID int64) (bool, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := tx.FindByProductIDForUpdate(ctx, productID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := tx.Delete(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to delete inventory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit deletion: %w", err)
	}

	s.publish(ctx, ChangeEvent{
		ProductID:        productID,
		PreviousQuantity: rec.Quantity,
		NewQuantity:      0,
		Operation:        OperationOrphanRemoval,
		Timestamp:        s.clock.Now(),
	})
	return true, nil
}

// mutateLocked runs fn against the locked record and persists the result in the
// same transaction. It returns the saved record and its quantity before fn ran.
func (s *service) mutateLocked(ctx context.Context, productID int64, fn func(rec *Record) error) (*Record, int, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := tx.FindByProductIDForUpdate(ctx, productID)
	if err != nil {
		return nil, 0, err
	}

	previous := rec.Quantity
	if err := fn(rec); err != nil {
		return nil, 0, err
	}
	rec.UpdatedAt = s.clock.Now()

	if err := tx.Save(ctx, rec); err != nil {
		return nil, 0, fmt.Errorf("failed to save inventory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit inventory: %w", err)
	}
	return rec, previous, nil
}

func (s *service) lookupProduct(ctx context.Context, productID int64) (*Product, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrProductUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: product %d: %w", ErrProductUnavailable, productID, err)
	}
	if product == nil {
		return nil, fmt.Errorf("%w: product %d returned no data", ErrProductUnavailable, productID)
	}
	return product, nil
}

func (s *service) publish(ctx context.Context, event ChangeEvent) {
	s.metrics.InventoryEvent(string(event.Operation))
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event)
}

func purchaseOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

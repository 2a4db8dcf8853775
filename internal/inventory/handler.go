package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockmesh/internal/idempotency"
	"stockmesh/internal/jsonapi"
)

const (
	resourceType     = "inventories"
	eventType        = "inventory-events"
	defaultHistory   = 50
	maxHistory       = 500
	productsBasePath = "/api/v1/products"
)

// HistoryReader serves the journal of change events for a product.
type HistoryReader interface {
	History(ctx context.Context, productID int64, limit int) ([]HistoryEntry, error)
}

type Handler struct {
	service Service
	history HistoryReader
	guard   *idempotency.Guard
	logger  *zap.Logger
}

type HandlerOption func(*Handler)

// WithHistory enables the per-product events route.
func WithHistory(history HistoryReader) HandlerOption {
	return func(h *Handler) { h.history = history }
}

// WithIdempotency deduplicates purchases carrying an Idempotency-Key header.
func WithIdempotency(guard *idempotency.Guard) HandlerOption {
	return func(h *Handler) { h.guard = guard }
}

func NewHandler(service Service, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{service: service, logger: logger.Named("inventory.handler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the inventory API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/low-stock", h.handleListLowStock)
	r.Post("/reconcile", h.handleReconcile)
	r.Route("/products/{productID}", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdate)
		r.Patch("/purchase", h.handlePurchase)
		if h.history != nil {
			r.Get("/events", h.handleHistory)
		}
	})
}

type inventoryAttributes struct {
	ProductID   int64     `json:"product_id"`
	Quantity    int       `json:"quantity"`
	MinQuantity int       `json:"min_quantity"`
	MaxQuantity int       `json:"max_quantity"`
	LowStock    bool      `json:"low_stock"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type productRef struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type purchaseRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := jsonapi.DecodeData(r, &req); err != nil {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err.Error())
		return
	}

	view, err := h.service.CreateInventory(h.requestContext(r), productID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jsonapi.Write(w, http.StatusCreated, jsonapi.Document{Data: toResource(view)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetInventory(r.Context(), productID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jsonapi.Write(w, http.StatusOK, jsonapi.Document{
		Data: toResource(view),
		Links: &jsonapi.Links{
			Self:    r.URL.Path,
			Related: fmt.Sprintf("%s/%d", productsBasePath, productID),
		},
	})
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req purchaseRequest
	if err := jsonapi.DecodeData(r, &req); err != nil {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err.Error())
		return
	}

	ctx := h.requestContext(r)
	scope := fmt.Sprintf("purchase:%d", productID)
	key := r.Header.Get(idempotency.Header)
	if err := h.guard.Claim(ctx, scope, key); err != nil {
		switch {
		case errors.Is(err, idempotency.ErrDuplicateRequest):
			jsonapi.WriteError(w, http.StatusConflict, "DUPLICATE_REQUEST", "Duplicate request", "this Idempotency-Key was already used")
			return
		case errors.Is(err, idempotency.ErrInvalidKey):
			jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid idempotency key", err.Error())
			return
		default:
			h.logger.Warn("idempotency guard unavailable, continuing without it", zap.Error(err))
			key = ""
		}
	}

	view, err := h.service.ProcessPurchase(ctx, productID, req.Quantity)
	if err != nil {
		if relErr := h.guard.Release(ctx, scope, key); relErr != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
		}
		h.writeError(w, err)
		return
	}

	meta := map[string]any{
		"operation":          "purchase",
		"quantity_purchased": req.Quantity,
	}
	if view.LowStock {
		meta["alert"] = fmt.Sprintf("stock for product %d is low: %d remaining", productID, view.Quantity)
		meta["severity"] = string(ClassifySeverity(view.Quantity))
	}
	jsonapi.Write(w, http.StatusOK, jsonapi.Document{Data: toResource(view), Meta: meta})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := jsonapi.DecodeData(r, &req); err != nil {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err.Error())
		return
	}

	view, err := h.service.UpdateInventory(h.requestContext(r), productID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jsonapi.Write(w, http.StatusOK, jsonapi.Document{Data: toResource(view)})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.writePage(w, r, h.service.ListInventories)
}

func (h *Handler) handleListLowStock(w http.ResponseWriter, r *http.Request) {
	h.writePage(w, r, h.service.ListLowStock)
}

func (h *Handler) writePage(w http.ResponseWriter, r *http.Request, list func(context.Context, PageRequest) (*Page, error)) {
	req, err := parsePageRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	page, err := list(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]jsonapi.Resource, 0, len(page.Items))
	for _, v := range page.Items {
		data = append(data, toResource(v))
	}
	meta := jsonapi.PageMeta(page.Number, page.Size, page.TotalPages, page.TotalElements, page.HasNext, page.HasPrevious)
	meta["dropped"] = page.Dropped
	jsonapi.Write(w, http.StatusOK, jsonapi.Document{
		Data:  data,
		Meta:  meta,
		Links: jsonapi.PageLinks(r.URL, page.Number, page.Size, page.TotalPages),
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	removed, err := h.service.ReconcileOrphans(h.requestContext(r))
	if err != nil {
		h.logger.Error("reconciliation finished with errors", zap.Int("removed", removed), zap.Error(err))
		jsonapi.Write(w, http.StatusInternalServerError, jsonapi.Document{
			Errors: []jsonapi.Error{jsonapi.NewError(http.StatusInternalServerError, "INTERNAL_ERROR", "Reconciliation incomplete", "some orphaned records could not be removed")},
			Meta:   map[string]any{"removed": removed},
		})
		return
	}

	jsonapi.Write(w, http.StatusOK, jsonapi.Document{
		Data: []jsonapi.Resource{},
		Meta: map[string]any{"operation": "reconcile", "removed": removed},
	})
}

// handleHistory lists a product's journal, newest entry first.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productID(w, r)
	if !ok {
		return
	}

	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameter", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.history.History(r.Context(), productID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]jsonapi.Resource, 0, len(entries))
	for _, e := range entries {
		data = append(data, jsonapi.Resource{
			Type: eventType,
			ID:   int64(e.Sequence),
			Attributes: map[string]any{
				"operation":         e.Event.Operation,
				"previous_quantity": e.Event.PreviousQuantity,
				"new_quantity":      e.Event.NewQuantity,
				"timestamp":         e.Event.Timestamp,
				"recorded_at":       e.RecordedAt,
			},
		})
	}
	jsonapi.Write(w, http.StatusOK, jsonapi.Document{
		Data:  data,
		Meta:  map[string]any{"count": len(data)},
		Links: &jsonapi.Links{Self: r.URL.Path},
	})
}

func (h *Handler) productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id < 1 {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid product ID", "productID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if id := chimw.GetReqID(ctx); id != "" {
		ctx = WithRequestID(ctx, id)
	}
	return ctx
}

func parsePageRequest(r *http.Request) (PageRequest, error) {
	q := r.URL.Query()
	req := PageRequest{
		Sort:      q.Get("sort"),
		Direction: SortDirection(q.Get("direction")),
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, &ValidationError{Field: "page", Message: "must be an integer"}
		}
		req.Number = n
	}
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n == 0 {
			return req, &ValidationError{Field: "size", Message: "must be between 1 and 100"}
		}
		req.Size = n
	}
	return req, nil
}

func toResource(v *View) jsonapi.Resource {
	return jsonapi.Resource{
		Type: resourceType,
		ID:   v.ID,
		Attributes: inventoryAttributes{
			ProductID:   v.ProductID,
			Quantity:    v.Quantity,
			MinQuantity: v.MinQuantity,
			MaxQuantity: v.MaxQuantity,
			LowStock:    v.LowStock,
			Version:     v.Version,
			CreatedAt:   v.CreatedAt,
			UpdatedAt:   v.UpdatedAt,
		},
		Relationships: map[string]jsonapi.Relationship{
			"product": {
				Data: productRef{
					Type:  "products",
					ID:    v.Product.ID,
					Name:  v.Product.Name,
					Price: v.Product.Price,
				},
				Links: &jsonapi.Links{Related: fmt.Sprintf("%s/%d", productsBasePath, v.ProductID)},
			},
		},
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.Is(err, ErrValidation):
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
	case errors.Is(err, ErrNotFound):
		jsonapi.WriteError(w, http.StatusNotFound, "INVENTORY_NOT_FOUND", "Inventory not found", err.Error())
	case errors.Is(err, ErrDuplicateInventory):
		jsonapi.WriteError(w, http.StatusConflict, "DUPLICATE_INVENTORY", "Inventory already exists", err.Error())
	case errors.As(err, &insufficient):
		jsonapi.WriteError(w, http.StatusConflict, "INSUFFICIENT_STOCK", "Insufficient stock", insufficient.Error())
	case errors.Is(err, ErrInsufficientStock):
		jsonapi.WriteError(w, http.StatusConflict, "INSUFFICIENT_STOCK", "Insufficient stock", err.Error())
	case errors.Is(err, ErrVersionConflict):
		jsonapi.WriteError(w, http.StatusConflict, "CONCURRENT_MODIFICATION", "Concurrent modification", "the record changed while the request was processed, retry the request")
	case errors.Is(err, ErrProductUnavailable):
		h.logger.Warn("product service unavailable", zap.Error(err))
		jsonapi.WriteError(w, http.StatusServiceUnavailable, "PRODUCT_UNAVAILABLE", "Product unavailable", "the product could not be resolved from the product service")
	default:
		h.logger.Error("unhandled inventory error", zap.Error(err))
		jsonapi.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", "an unexpected error occurred")
	}
}

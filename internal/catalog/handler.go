package catalog

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockmesh/internal/jsonapi"
)

const (
	resourceType = "products"
	basePath     = "/api/v1/products"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger.Named("catalog.handler")}
}

// Routes mounts the product API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
}

type productAttributes struct {
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := jsonapi.DecodeData(r, &req); err != nil {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err.Error())
		return
	}

	product, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("%s/%d", basePath, product.ID))
	jsonapi.Write(w, http.StatusCreated, jsonapi.Document{Data: toResource(product)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jsonapi.Write(w, http.StatusOK, jsonapi.Document{Data: toResource(product)})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := jsonapi.DecodeData(r, &req); err != nil {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err.Error())
		return
	}

	product, err := h.service.UpdateProduct(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jsonapi.Write(w, http.StatusOK, jsonapi.Document{Data: toResource(product)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := PageRequest{Sort: q.Get("sort")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &req.Number}, {"size", &req.Size}} {
		if raw := q.Get(p.name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameter", p.name+" must be an integer")
				return
			}
			*p.dst = n
		}
	}
	switch strings.ToUpper(q.Get("direction")) {
	case "", "ASC":
	case "DESC":
		req.Descending = true
	default:
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameter", "direction must be ASC or DESC")
		return
	}

	page, err := h.service.ListProducts(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]jsonapi.Resource, 0, len(page.Items))
	for _, p := range page.Items {
		data = append(data, toResource(p))
	}
	jsonapi.Write(w, http.StatusOK, jsonapi.Document{
		Data:  data,
		Meta:  jsonapi.PageMeta(page.Number, page.Size, page.TotalPages, page.TotalElements, page.HasNext(), page.HasPrevious()),
		Links: jsonapi.PageLinks(r.URL, page.Number, page.Size, page.TotalPages),
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid product ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func toResource(p *Product) jsonapi.Resource {
	return jsonapi.Resource{
		Type: resourceType,
		ID:   p.ID,
		Attributes: productAttributes{
			Name:      p.Name,
			Price:     p.Price,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		},
		Links: &jsonapi.Links{Self: fmt.Sprintf("%s/%d", basePath, p.ID)},
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		jsonapi.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
	case errors.Is(err, ErrProductNotFound):
		jsonapi.WriteError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", "Product not found", err.Error())
	case errors.Is(err, ErrDuplicateProduct):
		jsonapi.WriteError(w, http.StatusConflict, "DUPLICATE_PRODUCT", "Duplicate product", err.Error())
	default:
		h.logger.Error("unhandled catalog error", zap.Error(err))
		jsonapi.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", "an unexpected error occurred")
	}
}

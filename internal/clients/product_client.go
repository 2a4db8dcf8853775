// Package clients holds the HTTP clients the services use to talk to each other.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"stockmesh/internal/inventory"
	"stockmesh/internal/observability"
)

const (
	BreakerName = "product-service"
	acceptTypes = "application/vnd.api+json, application/json"
)

var (
	errProductNotFound = errors.New("product not found")
	errCallerGone      = errors.New("caller abandoned the lookup")
)

type ProductClientConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
}

// ProductClient resolves products from the catalog service through a circuit
// breaker. Every failure surfaces as inventory.ErrProductUnavailable.
type ProductClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewProductClient(cfg ProductClientConfig, logger *zap.Logger, metrics *observability.Metrics) *ProductClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	c := &ProductClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("clients.product"),
		metrics:    metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        BreakerName,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// a 404 is an answer, not an outage
			return err == nil || errors.Is(err, errProductNotFound) || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			c.metrics.BreakerState(name, breakerStateValue(to))
		},
	})
	metrics.BreakerState(BreakerName, breakerStateValue(gobreaker.StateClosed))
	return c
}

// GetProduct implements inventory.ProductLookup.
func (c *ProductClient) GetProduct(ctx context.Context, productID int64) (*inventory.Product, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		product, err := c.fetch(ctx, productID)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, ctx.Err())
		}
		return product, err
	})
	if err != nil {
		c.metrics.ProductLookup(lookupOutcome(err))
		return nil, fmt.Errorf("%w: product %d: %w", inventory.ErrProductUnavailable, productID, err)
	}
	c.metrics.ProductLookup("success")
	return result.(*inventory.Product), nil
}

// State reports the breaker state, mainly for health output.
func (c *ProductClient) State() string {
	return c.breaker.State().String()
}

type productDocument struct {
	Data *struct {
		Type       string `json:"type"`
		ID         int64  `json:"id"`
		Attributes struct {
			Name  string          `json:"name"`
			Price decimal.Decimal `json:"price"`
		} `json:"attributes"`
	} `json:"data"`
}

func (c *ProductClient) fetch(ctx context.Context, productID int64) (*inventory.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/products/%d", c.baseURL, productID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", acceptTypes)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call product service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errProductNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var doc productDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode product: %w", err)
	}
	if doc.Data == nil {
		return nil, errors.New("product response has no data")
	}

	return &inventory.Product{
		ID:    doc.Data.ID,
		Name:  doc.Data.Attributes.Name,
		Price: doc.Data.Attributes.Price,
	}, nil
}

func lookupOutcome(err error) string {
	switch {
	case errors.Is(err, errProductNotFound):
		return "not_found"
	case errors.Is(err, errCallerGone):
		return "cancelled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "error"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

package chaos

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Target describes the inventory deployment under test.
type Target struct {
	InventoryURL string
	APIKey       string
	ProductID    int64
	// Concurrency is the number of simultaneous purchases in the oversell experiment.
	Concurrency int
	// StopProductService and StartProductService inject and heal the product
	// service outage. The outage experiment is skipped when either is nil.
	StopProductService  func(context.Context) error
	StartProductService func(context.Context) error
	// HeldConnections is how many database connections the pool exhaustion
	// experiment pins.
	HeldConnections int
}

// Suite builds the stockmesh experiments for one deployment.
type Suite struct {
	db     *sqlx.DB
	client *http.Client
	target Target
	logger *zap.Logger
}

func NewSuite(db *sqlx.DB, target Target, logger *zap.Logger) *Suite {
	if target.Concurrency <= 0 {
		target.Concurrency = 100
	}
	if target.HeldConnections <= 0 {
		target.HeldConnections = 50
	}
	return &Suite{
		db:     db,
		client: &http.Client{Timeout: 10 * time.Second},
		target: target,
		logger: logger.Named("chaos.suite"),
	}
}

// Register adds every runnable experiment to the engine.
func (s *Suite) Register(e *Engine) {
	e.Register(s.OversellExperiment())
	if s.target.StopProductService != nil && s.target.StartProductService != nil {
		e.Register(s.ProductOutageExperiment())
	} else {
		s.logger.Info("skipping product outage experiment: no stop/start hooks configured")
	}
	e.Register(s.PoolExhaustionExperiment())
}

// OversellExperiment fires concurrent purchases at one product and checks
// that accepted units never exceed the stock on hand.
func (s *Suite) OversellExperiment() Experiment {
	var (
		initial  atomic.Int64
		accepted atomic.Int64
	)

	return Experiment{
		Name:       "concurrent-purchase-oversell",
		Hypothesis: "Concurrent purchases of one product never sell more units than were in stock",
		SteadyState: []Metric{
			{
				Name:      "negative_stock_rows",
				Query:     s.negativeStockRows,
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "oversold_units",
				Query: func(ctx context.Context) (float64, error) {
					return float64(max(accepted.Load()-initial.Load(), 0)), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "load",
				Target: "inventory-service",
				Execute: func(ctx context.Context) error {
					qty, err := s.currentQuantity(ctx)
					if err != nil {
						return err
					}
					initial.Store(int64(qty))

					var wg sync.WaitGroup
					var failures atomic.Int64
					for i := 0; i < s.target.Concurrency; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							status, err := s.purchase(ctx, 1)
							switch {
							case err != nil:
								failures.Add(1)
							case status == http.StatusOK:
								accepted.Add(1)
							case status != http.StatusConflict:
								failures.Add(1)
							}
						}()
					}
					wg.Wait()

					s.logger.Info("purchase burst finished",
						zap.Int64("initial_stock", initial.Load()),
						zap.Int64("accepted", accepted.Load()),
						zap.Int64("failures", failures.Load()),
					)
					if n := failures.Load(); n > 0 {
						return fmt.Errorf("%d purchases failed with unexpected responses", n)
					}
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "negative_stock_rows",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No inventory row may go below zero",
			},
			{
				Metric:    "oversold_units",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Accepted purchases must not exceed the initial stock",
			},
		},
		Duration:    10 * time.Second,
		BlastRadius: 0.1,
	}
}

// ProductOutageExperiment stops the product service and checks that the
// inventory service degrades to 503 PRODUCT_UNAVAILABLE instead of 500s.
func (s *Suite) ProductOutageExperiment() Experiment {
	return Experiment{
		Name:       "product-service-outage",
		Hypothesis: "Inventory answers 503 PRODUCT_UNAVAILABLE, never 500, while the product service is down",
		SteadyState: []Metric{
			{
				Name:      "internal_error_ratio",
				Query:     s.probe(http.MethodGet, s.inventoryPath(), http.StatusOK, http.StatusServiceUnavailable),
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{Type: "outage", Target: "product-service", Execute: s.target.StopProductService},
		},
		Rollback: []Action{
			{Type: "restore", Target: "product-service", Execute: s.target.StartProductService},
		},
		Validation: []Assertion{
			{
				Metric:    "internal_error_ratio",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No request may fail with an unexpected status during the outage",
			},
		},
		Duration:    time.Minute,
		BlastRadius: 0.5,
	}
}

// PoolExhaustionExperiment pins database connections and checks that reads
// keep succeeding or fail fast.
func (s *Suite) PoolExhaustionExperiment() Experiment {
	var (
		mu    sync.Mutex
		conns []*sql.Conn
	)

	return Experiment{
		Name:       "database-connection-pool-exhaustion",
		Hypothesis: "The inventory API keeps its error rate under 5% while most database connections are held",
		SteadyState: []Metric{
			{
				Name:      "error_rate",
				Query:     s.probe(http.MethodGet, "/api/v1/inventories?size=1", http.StatusOK),
				Threshold: Threshold{Operator: "<", Value: 0.01},
			},
		},
		Method: []Action{
			{
				Type:   "resource_exhaustion",
				Target: "postgres-connection-pool",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					for i := 0; i < s.target.HeldConnections; i++ {
						conn, err := s.db.Conn(ctx)
						if err != nil {
							return fmt.Errorf("held %d connections before failing: %w", len(conns), err)
						}
						if _, err := conn.ExecContext(ctx, `SELECT pg_sleep(0)`); err != nil {
							conn.Close()
							return fmt.Errorf("failed to pin connection: %w", err)
						}
						conns = append(conns, conn)
					}
					s.logger.Info("holding database connections", zap.Int("count", len(conns)))
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "release",
				Target: "postgres-connection-pool",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					var errs error
					for _, c := range conns {
						errs = errors.Join(errs, c.Close())
					}
					conns = nil
					return errs
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "error_rate",
				Condition: func(v float64) bool { return v < 0.05 },
				Message:   "Error rate should stay below 5% while the pool is under pressure",
			},
		},
		Duration:    time.Minute,
		BlastRadius: 1.0,
	}
}

func (s *Suite) negativeStockRows(ctx context.Context) (float64, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM inventories WHERE quantity < 0`); err != nil {
		return 0, fmt.Errorf("failed to count negative stock rows: %w", err)
	}
	return float64(n), nil
}

func (s *Suite) currentQuantity(ctx context.Context) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty, `SELECT quantity FROM inventories WHERE product_id = $1`, s.target.ProductID)
	if err != nil {
		return 0, fmt.Errorf("failed to read stock for product %d: %w", s.target.ProductID, err)
	}
	return qty, nil
}

func (s *Suite) inventoryPath() string {
	return fmt.Sprintf("/api/v1/inventories/products/%d", s.target.ProductID)
}

func (s *Suite) purchase(ctx context.Context, quantity int) (int, error) {
	body, err := json.Marshal(map[string]any{"data": map[string]int{"quantity": quantity}})
	if err != nil {
		return 0, err
	}
	return s.do(ctx, http.MethodPatch, s.inventoryPath()+"/purchase", body)
}

// probe sends a small batch of requests and returns the share whose status
// is not in allowed. Transport errors count as failures.
func (s *Suite) probe(method, path string, allowed ...int) func(context.Context) (float64, error) {
	const batch = 5
	return func(ctx context.Context) (float64, error) {
		bad := 0
		for i := 0; i < batch; i++ {
			status, err := s.do(ctx, method, path, nil)
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if err != nil || !slices.Contains(allowed, status) {
				bad++
			}
		}
		return float64(bad) / batch, nil
	}
}

func (s *Suite) do(ctx context.Context, method, path string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.target.InventoryURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	if s.target.APIKey != "" {
		req.Header.Set("X-API-Key", s.target.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"stockmesh/internal/clock"
	"stockmesh/internal/inventory"
	"stockmesh/internal/inventory/memstore"
	"stockmesh/internal/observability"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products map[int64]*inventory.Product
	calls    atomic.Int32
}

func newFakeCatalog(ids ...int64) *fakeCatalog {
	c := &fakeCatalog{products: make(map[int64]*inventory.Product)}
	for _, id := range ids {
		c.add(id)
	}
	return c
}

func (c *fakeCatalog) add(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id] = &inventory.Product{ID: id, Name: fmt.Sprintf("Product %d", id), Price: decimal.RequireFromString("19.99")}
}

func (c *fakeCatalog) remove(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, id)
}

func (c *fakeCatalog) GetProduct(_ context.Context, id int64) (*inventory.Product, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return nil, errors.New("unexpected status code: 404")
	}
	cp := *p
	return &cp, nil
}

type recorder struct {
	mu     sync.Mutex
	events []inventory.ChangeEvent
}

func (r *recorder) Publish(_ context.Context, e inventory.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []inventory.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inventory.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fixture struct {
	svc     inventory.Service
	store   *memstore.Store
	catalog *fakeCatalog
	events  *recorder
	metrics *observability.Metrics
	clock   *clock.FakeClock
}

func newFixture(productIDs ...int64) *fixture {
	f := &fixture{
		store:   memstore.New(),
		catalog: newFakeCatalog(productIDs...),
		events:  &recorder{},
		metrics: observability.NewMetrics(),
		clock:   clock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	}
	f.svc = inventory.NewService(f.store, f.catalog, f.events, zap.NewNop(),
		inventory.WithClock(f.clock),
		inventory.WithMetrics(f.metrics),
	)
	return f
}

func intPtr(v int) *int { return &v }

func (f *fixture) create(t *testing.T, productID int64, qty int, min *int) *inventory.View {
	t.Helper()
	view, err := f.svc.CreateInventory(context.Background(), productID, inventory.CreateRequest{Quantity: qty, MinQuantity: min})
	require.NoError(t, err)
	return view
}

func TestCreateInventoryAppliesDefaults(t *testing.T) {
	f := newFixture(7)

	view, err := f.svc.CreateInventory(context.Background(), 7, inventory.CreateRequest{Quantity: 100})
	require.NoError(t, err)

	assert.Equal(t, int64(7), view.ProductID)
	assert.Equal(t, 100, view.Quantity)
	assert.Equal(t, 10, view.MinQuantity)
	assert.Equal(t, 1000, view.MaxQuantity)
	assert.False(t, view.LowStock)
	assert.Equal(t, "Product 7", view.Product.Name)
	assert.Equal(t, f.clock.Now(), view.CreatedAt)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, inventory.ChangeEvent{
		ProductID:        7,
		PreviousQuantity: 0,
		NewQuantity:      100,
		Operation:        inventory.OperationCreate,
		Timestamp:        f.clock.Now(),
	}, events[0])
}

func TestCreateInventoryRejectsSecondCreate(t *testing.T) {
	f := newFixture(7)
	f.create(t, 7, 100, nil)

	payloads := []inventory.CreateRequest{
		{Quantity: 100},
		{Quantity: 0},
		{Quantity: 5, MinQuantity: intPtr(1), MaxQuantity: intPtr(10)},
	}
	for _, p := range payloads {
		_, err := f.svc.CreateInventory(context.Background(), 7, p)
		assert.ErrorIs(t, err, inventory.ErrDuplicateInventory)
	}
	assert.Len(t, f.events.all(), 1)
}

func TestConcurrentCreateKeepsOneRecord(t *testing.T) {
	f := newFixture(7)

	const callers = 16
	var (
		wg         sync.WaitGroup
		created    atomic.Int32
		duplicates atomic.Int32
		start      = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateInventory(context.Background(), 7, inventory.CreateRequest{Quantity: qty})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, inventory.ErrDuplicateInventory):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i + 1)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(callers-1), duplicates.Load())
	assert.Len(t, f.events.all(), 1)

	page, err := f.svc.ListInventories(context.Background(), inventory.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalElements)
}

func TestCreateInventoryRequiresProduct(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateInventory(context.Background(), 42, inventory.CreateRequest{Quantity: 10})
	assert.ErrorIs(t, err, inventory.ErrProductUnavailable)

	_, err = f.store.FindByProductID(context.Background(), 42)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.Empty(t, f.events.all())
}

func TestCreateInventoryValidatesInput(t *testing.T) {
	f := newFixture(1)

	tests := []struct {
		name  string
		req   inventory.CreateRequest
		field string
	}{
		{name: "negative quantity", req: inventory.CreateRequest{Quantity: -1}, field: "quantity"},
		{name: "negative min", req: inventory.CreateRequest{Quantity: 1, MinQuantity: intPtr(-1)}, field: "min_quantity"},
		{name: "zero max", req: inventory.CreateRequest{Quantity: 1, MaxQuantity: intPtr(0)}, field: "max_quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateInventory(context.Background(), 1, tt.req)
			require.ErrorIs(t, err, inventory.ErrValidation)
			var verr *inventory.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, int32(0), f.catalog.calls.Load())
}

func TestGetInventory(t *testing.T) {
	f := newFixture(3)
	ctx := context.Background()

	_, err := f.svc.GetInventory(ctx, 99)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	f.create(t, 3, 12, nil)
	view, err := f.svc.GetInventory(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 12, view.Quantity)

	f.catalog.remove(3)
	_, err = f.svc.GetInventory(ctx, 3)
	assert.ErrorIs(t, err, inventory.ErrProductUnavailable)
}

func TestProcessPurchaseCrossesLowStockThreshold(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 15, intPtr(10))
	f.clock.Advance(time.Minute)

	view, err := f.svc.ProcessPurchase(context.Background(), 1, 6)
	require.NoError(t, err)

	assert.Equal(t, 9, view.Quantity)
	assert.True(t, view.LowStock)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, f.clock.Now(), view.UpdatedAt)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, inventory.OperationPurchase, events[1].Operation)
	assert.Equal(t, 15, events[1].PreviousQuantity)
	assert.Equal(t, 9, events[1].NewQuantity)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Counter("purchases", "success")))
}

func TestProcessPurchaseInsufficientStockLeavesQuantity(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 20, nil)

	_, err := f.svc.ProcessPurchase(context.Background(), 1, 30)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 20, stockErr.Available)
	assert.Equal(t, 30, stockErr.Requested)

	rec, err := f.store.FindByProductID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Quantity)
	assert.Equal(t, int64(0), rec.Version)
	assert.Len(t, f.events.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Counter("purchases", "insufficient_stock")))
}

func TestProcessPurchaseLowStockBoundary(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 12, intPtr(10))

	view, err := f.svc.ProcessPurchase(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, view.Quantity)
	assert.True(t, view.LowStock, "quantity equal to the minimum counts as low stock")

	view, err = f.svc.UpdateInventory(context.Background(), 1, inventory.UpdateRequest{Quantity: 11})
	require.NoError(t, err)
	assert.False(t, view.LowStock)
}

func TestProcessPurchaseErrors(t *testing.T) {
	f := newFixture(1, 2)
	f.create(t, 1, 5, nil)
	ctx := context.Background()

	_, err := f.svc.ProcessPurchase(ctx, 1, 0)
	assert.ErrorIs(t, err, inventory.ErrValidation)

	_, err = f.svc.ProcessPurchase(ctx, 2, 1)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	f.catalog.remove(1)
	_, err = f.svc.ProcessPurchase(ctx, 1, 1)
	assert.ErrorIs(t, err, inventory.ErrProductUnavailable)

	rec, err := f.store.FindByProductID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Quantity)
}

func TestUpdateInventoryRoundTrip(t *testing.T) {
	f := newFixture(4)
	f.create(t, 4, 50, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateInventory(ctx, 4, inventory.UpdateRequest{Quantity: 200, MinQuantity: intPtr(20), MaxQuantity: intPtr(1000)})
	require.NoError(t, err)

	view, err := f.svc.GetInventory(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 200, view.Quantity)
	assert.Equal(t, 20, view.MinQuantity)
	assert.Equal(t, 1000, view.MaxQuantity)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, inventory.ChangeEvent{
		ProductID:        4,
		PreviousQuantity: 50,
		NewQuantity:      200,
		Operation:        inventory.OperationUpdate,
		Timestamp:        f.clock.Now(),
	}, events[1])
}

func TestUpdateInventoryKeepsOmittedThresholdsAndIgnoresCapacity(t *testing.T) {
	f := newFixture(4)
	f.create(t, 4, 50, intPtr(7))

	view, err := f.svc.UpdateInventory(context.Background(), 4, inventory.UpdateRequest{Quantity: 5000})
	require.NoError(t, err)
	assert.Equal(t, 5000, view.Quantity)
	assert.Equal(t, 7, view.MinQuantity)
	assert.Equal(t, 1000, view.MaxQuantity)

	_, err = f.svc.UpdateInventory(context.Background(), 5, inventory.UpdateRequest{Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestListInventoriesDropsUnresolvableProducts(t *testing.T) {
	f := newFixture(1, 2, 3, 4, 5)
	for id := int64(1); id <= 5; id++ {
		f.create(t, id, int(id)*10, nil)
	}
	f.catalog.remove(2)

	page, err := f.svc.ListInventories(context.Background(), inventory.PageRequest{Number: 0, Size: 3})
	require.NoError(t, err)

	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(1), page.Items[0].ProductID)
	assert.Equal(t, int64(3), page.Items[1].ProductID)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 1, page.Dropped)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrevious)

	page, err = f.svc.ListInventories(context.Background(), inventory.PageRequest{Number: 0, Size: 10, Sort: "quantity", Direction: "desc"})
	require.NoError(t, err)
	require.Len(t, page.Items, 4)
	assert.Equal(t, 50, page.Items[0].Quantity)
}

func TestListInventoriesNavigationSurvivesDroppedRecords(t *testing.T) {
	ids := make([]int64, 0, 11)
	for id := int64(1); id <= 11; id++ {
		ids = append(ids, id)
	}
	f := newFixture(ids...)
	for _, id := range ids {
		f.create(t, id, 50, nil)
	}
	f.catalog.remove(1)

	first, err := f.svc.ListInventories(context.Background(), inventory.PageRequest{Number: 0, Size: 10})
	require.NoError(t, err)
	require.Len(t, first.Items, 9)
	assert.Equal(t, 1, first.Dropped)
	assert.True(t, first.HasNext)
	assert.Equal(t, 2, first.TotalPages)

	second, err := f.svc.ListInventories(context.Background(), inventory.PageRequest{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, int64(11), second.Items[0].ProductID)
	assert.Equal(t, 0, second.Dropped)
	assert.False(t, second.HasNext)

	assert.Equal(t, first.TotalElements, second.TotalElements)
	assert.Equal(t, first.TotalPages, second.TotalPages)
}

func TestListInventoriesRejectsUnknownSort(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ListInventories(context.Background(), inventory.PageRequest{Sort: "password"})
	assert.ErrorIs(t, err, inventory.ErrValidation)

	_, err = f.svc.ListInventories(context.Background(), inventory.PageRequest{Direction: "sideways"})
	assert.ErrorIs(t, err, inventory.ErrValidation)

	_, err = f.svc.ListInventories(context.Background(), inventory.PageRequest{Size: 500})
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestListLowStock(t *testing.T) {
	f := newFixture(1, 2, 3)
	f.create(t, 1, 100, nil)
	f.create(t, 2, 10, nil)
	f.create(t, 3, 2, nil)

	page, err := f.svc.ListLowStock(context.Background(), inventory.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	for _, item := range page.Items {
		assert.True(t, item.LowStock)
		assert.LessOrEqual(t, item.Quantity, item.MinQuantity)
	}
	assert.Equal(t, int64(2), page.TotalElements)
	assert.Equal(t, 10, page.Size)
}

func TestReconcileOrphansRemovesOnlyUnresolvable(t *testing.T) {
	f := newFixture(1, 2, 3)
	f.create(t, 1, 10, nil)
	f.create(t, 2, 20, nil)
	f.create(t, 3, 30, nil)
	f.catalog.remove(1)
	f.catalog.remove(3)

	removed, err := f.svc.ReconcileOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ctx := context.Background()
	_, err = f.store.FindByProductID(ctx, 1)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = f.store.FindByProductID(ctx, 3)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	kept, err := f.store.FindByProductID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 20, kept.Quantity)

	var orphanEvents []inventory.ChangeEvent
	for _, e := range f.events.all() {
		if e.Operation == inventory.OperationOrphanRemoval {
			orphanEvents = append(orphanEvents, e)
		}
	}
	require.Len(t, orphanEvents, 2)
	assert.Equal(t, int64(1), orphanEvents[0].ProductID)
	assert.Equal(t, 10, orphanEvents[0].PreviousQuantity)
	assert.Equal(t, 0, orphanEvents[0].NewQuantity)
	assert.Equal(t, int64(3), orphanEvents[1].ProductID)

	removed, err = f.svc.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReconcileOrphansStopsWhenCancelled(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 10, nil)
	f.catalog.remove(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed, err := f.svc.ReconcileOrphans(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, removed)
	_, err = f.store.FindByProductID(context.Background(), 1)
	assert.NoError(t, err)
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 50, nil)

	const buyers = 100
	var succeeded, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessPurchase(context.Background(), 1, 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), succeeded.Load())
	assert.Equal(t, int32(50), rejected.Load())

	view, err := f.svc.GetInventory(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Quantity)
	assert.Equal(t, int64(50), view.Version)
}

func TestConcurrentPurchaseAndUpdateDoNotLoseWrites(t *testing.T) {
	f := newFixture(1)
	f.create(t, 1, 100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.ProcessPurchase(context.Background(), 1, 1)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.UpdateInventory(context.Background(), 1, inventory.UpdateRequest{Quantity: 100})
		}()
	}
	wg.Wait()

	rec, err := f.store.FindByProductID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.Version, "every purchase and update must be applied exactly once")
}

func TestPurchasesNeverDriveStockNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(1)
		initial := rapid.IntRange(0, 200).Draw(t, "initial")
		if _, err := f.svc.CreateInventory(context.Background(), 1, inventory.CreateRequest{Quantity: initial}); err != nil {
			t.Fatalf("create: %v", err)
		}

		orders := rapid.SliceOfN(rapid.IntRange(1, 40), 1, 30).Draw(t, "orders")
		sold := 0
		for _, qty := range orders {
			view, err := f.svc.ProcessPurchase(context.Background(), 1, qty)
			if err != nil {
				if !errors.Is(err, inventory.ErrInsufficientStock) {
					t.Fatalf("unexpected error: %v", err)
				}
				if qty <= initial-sold {
					t.Fatalf("purchase of %d rejected with %d in stock", qty, initial-sold)
				}
				continue
			}
			sold += qty
			if view.Quantity != initial-sold {
				t.Fatalf("quantity %d, want %d", view.Quantity, initial-sold)
			}
			if view.LowStock != (view.Quantity <= view.MinQuantity) {
				t.Fatalf("low stock flag %v for quantity %d min %d", view.LowStock, view.Quantity, view.MinQuantity)
			}
		}
		if sold > initial {
			t.Fatalf("sold %d out of %d", sold, initial)
		}
	})
}

func TestSubscriberFailureNeverFailsMutation(t *testing.T) {
	metrics := observability.NewMetrics()
	notifier := inventory.NewNotifier(zap.NewNop(), metrics)
	var delivered atomic.Int32
	notifier.Subscribe(inventory.SubscriberFunc{SubscriberName: "boom", Fn: func(context.Context, inventory.ChangeEvent) error {
		panic("subscriber exploded")
	}})
	notifier.Subscribe(inventory.SubscriberFunc{SubscriberName: "broken", Fn: func(context.Context, inventory.ChangeEvent) error {
		return errors.New("downstream down")
	}})
	notifier.Subscribe(inventory.SubscriberFunc{SubscriberName: "counter", Fn: func(context.Context, inventory.ChangeEvent) error {
		delivered.Add(1)
		return nil
	}})

	svc := inventory.NewService(memstore.New(), newFakeCatalog(1), notifier, zap.NewNop())
	_, err := svc.CreateInventory(context.Background(), 1, inventory.CreateRequest{Quantity: 20})
	require.NoError(t, err)
	view, err := svc.ProcessPurchase(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, view.Quantity)

	assert.Equal(t, int32(2), delivered.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Counter("subscriber_failures", "boom")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Counter("subscriber_failures", "broken")))
}

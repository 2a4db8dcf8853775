// Package memstore is an embedded inventory.Store. Row locks are modelled by a
// per-product lock arena and writes are staged until commit.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stockmesh/internal/inventory"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("memstore: transaction already finished")

type Store struct {
	mu     sync.RWMutex
	rows   map[int64]*inventory.Record
	nextID int64
	locks  *lockArena
}

func New() *Store {
	return &Store{
		rows:  make(map[int64]*inventory.Record),
		locks: newLockArena(),
	}
}

func (s *Store) BeginTx(ctx context.Context) (inventory.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		store:   s,
		held:    make(map[int64]struct{}),
		staged:  make(map[int64]*inventory.Record),
		deleted: make(map[int64]struct{}),
	}, nil
}

func (s *Store) FindByProductID(_ context.Context, productID int64) (*inventory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rows[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", inventory.ErrNotFound, productID)
	}
	return clone(rec), nil
}

func (s *Store) FindPage(_ context.Context, page inventory.PageRequest, lowStockOnly bool) ([]*inventory.Record, int64, error) {
	s.mu.RLock()
	all := make([]*inventory.Record, 0, len(s.rows))
	for _, rec := range s.rows {
		if lowStockOnly && !rec.LowStock() {
			continue
		}
		all = append(all, clone(rec))
	}
	s.mu.RUnlock()

	sortRecords(all, page.SortColumn(), page.Direction == inventory.SortDesc)

	total := int64(len(all))
	start := page.Offset()
	if start >= len(all) {
		return []*inventory.Record{}, total, nil
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *Store) FindAll(_ context.Context) ([]*inventory.Record, error) {
	s.mu.RLock()
	all := make([]*inventory.Record, 0, len(s.rows))
	for _, rec := range s.rows {
		all = append(all, clone(rec))
	}
	s.mu.RUnlock()

	sortRecords(all, "id", false)
	return all, nil
}

func sortRecords(records []*inventory.Record, column string, desc bool) {
	key := func(r *inventory.Record) int64 {
		switch column {
		case "product_id":
			return r.ProductID
		case "quantity":
			return int64(r.Quantity)
		case "min_quantity":
			return int64(r.MinQuantity)
		case "max_quantity":
			return int64(r.MaxQuantity)
		case "created_at":
			return r.CreatedAt.UnixNano()
		case "updated_at":
			return r.UpdatedAt.UnixNano()
		default:
			return r.ID
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := key(records[i]), key(records[j])
		if a == b {
			return records[i].ID < records[j].ID
		}
		if desc {
			return a > b
		}
		return a < b
	})
}

func clone(rec *inventory.Record) *inventory.Record {
	c := *rec
	return &c
}

type tx struct {
	store   *Store
	held    map[int64]struct{}
	staged  map[int64]*inventory.Record
	deleted map[int64]struct{}
	done    bool
}

func (t *tx) lock(ctx context.Context, productID int64) error {
	if _, ok := t.held[productID]; ok {
		return nil
	}
	if err := t.store.locks.acquire(ctx, productID); err != nil {
		return err
	}
	t.held[productID] = struct{}{}
	return nil
}

func (t *tx) read(productID int64) (*inventory.Record, bool) {
	if _, ok := t.deleted[productID]; ok {
		return nil, false
	}
	if rec, ok := t.staged[productID]; ok {
		return clone(rec), true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.rows[productID]
	if !ok {
		return nil, false
	}
	return clone(rec), true
}

func (t *tx) FindByProductID(_ context.Context, productID int64) (*inventory.Record, error) {
	if t.done {
		return nil, ErrTxDone
	}
	rec, ok := t.read(productID)
	if !ok {
		return nil, fmt.Errorf("%w: product %d", inventory.ErrNotFound, productID)
	}
	return rec, nil
}

func (t *tx) FindByProductIDForUpdate(ctx context.Context, productID int64) (*inventory.Record, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.lock(ctx, productID); err != nil {
		return nil, err
	}
	return t.FindByProductID(ctx, productID)
}

func (t *tx) ExistsByProductID(_ context.Context, productID int64) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	_, ok := t.read(productID)
	return ok, nil
}

func (t *tx) Save(ctx context.Context, rec *inventory.Record) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.lock(ctx, rec.ProductID); err != nil {
		return err
	}

	if rec.ID == 0 {
		if _, exists := t.read(rec.ProductID); exists {
			return fmt.Errorf("%w: product %d", inventory.ErrDuplicateInventory, rec.ProductID)
		}
		t.store.mu.Lock()
		t.store.nextID++
		rec.ID = t.store.nextID
		t.store.mu.Unlock()
		rec.Version = 0
	} else {
		current, ok := t.read(rec.ProductID)
		if !ok || current.ID != rec.ID {
			return fmt.Errorf("%w: product %d", inventory.ErrNotFound, rec.ProductID)
		}
		if current.Version != rec.Version {
			return inventory.ErrVersionConflict
		}
		rec.Version++
	}

	delete(t.deleted, rec.ProductID)
	t.staged[rec.ProductID] = clone(rec)
	return nil
}

func (t *tx) Delete(ctx context.Context, rec *inventory.Record) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.lock(ctx, rec.ProductID); err != nil {
		return err
	}
	if _, ok := t.read(rec.ProductID); !ok {
		return fmt.Errorf("%w: product %d", inventory.ErrNotFound, rec.ProductID)
	}
	delete(t.staged, rec.ProductID)
	t.deleted[rec.ProductID] = struct{}{}
	return nil
}

// Commit applies staged writes atomically. Every written key is locked by this
// transaction, so the checks made in Save still hold here.
func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	defer t.finish()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for productID := range t.deleted {
		delete(t.store.rows, productID)
	}
	for productID, rec := range t.staged {
		t.store.rows[productID] = clone(rec)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	for productID := range t.held {
		t.store.locks.release(productID)
	}
	t.held = nil
}

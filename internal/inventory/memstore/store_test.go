package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockmesh/internal/inventory"
)

func seed(t *testing.T, s *Store, productID int64, qty int) *inventory.Record {
	t.Helper()
	ctx := context.Background()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	rec := &inventory.Record{ProductID: productID, Quantity: qty, MinQuantity: 10, MaxQuantity: 1000}
	require.NoError(t, tx.Save(ctx, rec))
	require.NoError(t, tx.Commit())
	return rec
}

func TestSaveInsertAssignsIDAndRejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := seed(t, s, 7, 100)
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, int64(0), rec.Version)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.Save(ctx, &inventory.Record{ProductID: 7, Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrDuplicateInventory)
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 1, 50)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	rec, err := tx.FindByProductIDForUpdate(ctx, 1)
	require.NoError(t, err)
	rec.Quantity = 0
	require.NoError(t, tx.Save(ctx, rec))

	staged, err := tx.FindByProductID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, staged.Quantity)

	require.NoError(t, tx.Rollback())

	stored, err := s.FindByProductID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Quantity)
	assert.Equal(t, 0, s.locks.size())
}

func TestSaveDetectsStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 1, 50)

	stale, err := s.FindByProductID(ctx, 1)
	require.NoError(t, err)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	fresh, err := tx.FindByProductIDForUpdate(ctx, 1)
	require.NoError(t, err)
	fresh.Quantity = 40
	require.NoError(t, tx.Save(ctx, fresh))
	require.NoError(t, tx.Commit())
	assert.Equal(t, int64(1), fresh.Version)

	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	stale.Quantity = 10
	assert.ErrorIs(t, tx.Save(ctx, stale), inventory.ErrVersionConflict)
}

func TestDeleteRemovesRowOnCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 3, 5)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	rec, err := tx.FindByProductIDForUpdate(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, rec))
	exists, err := tx.ExistsByProductID(ctx, 3)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, tx.Commit())

	_, err = s.FindByProductID(ctx, 3)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
}

func TestForUpdateSerializesSameProduct(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 1, 0)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.BeginTx(ctx)
			if err != nil {
				return
			}
			defer tx.Rollback()
			rec, err := tx.FindByProductIDForUpdate(ctx, 1)
			if err != nil {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			rec.Quantity++
			_ = tx.Save(ctx, rec)
			inside.Add(-1)
			_ = tx.Commit()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	rec, err := s.FindByProductID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Quantity)
	assert.Equal(t, int64(20), rec.Version)
}

func TestForUpdateHonoursContextCancellation(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 1, 10)

	holder, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = holder.FindByProductIDForUpdate(ctx, 1)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	waiter, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = waiter.FindByProductIDForUpdate(waitCtx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, waiter.Rollback())

	require.NoError(t, holder.Rollback())
	assert.Equal(t, 0, s.locks.size())
}

func TestFindPageSortsFiltersAndCounts(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, 10, 50)
	seed(t, s, 11, 3)
	seed(t, s, 12, 10)
	seed(t, s, 13, 7)

	page := inventory.PageRequest{Number: 0, Size: 2, Sort: "quantity", Direction: inventory.SortDesc}
	records, total, err := s.FindPage(ctx, page, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, records, 2)
	assert.Equal(t, 50, records[0].Quantity)
	assert.Equal(t, 10, records[1].Quantity)

	records, total, err = s.FindPage(ctx, inventory.PageRequest{Number: 0, Size: 10, Sort: "id", Direction: inventory.SortAsc}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	for _, r := range records {
		assert.LessOrEqual(t, r.Quantity, r.MinQuantity)
	}

	records, total, err = s.FindPage(ctx, inventory.PageRequest{Number: 5, Size: 10, Sort: "id"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Empty(t, records)
}

// Package pgstore persists inventory records in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockmesh/internal/inventory"
)

const uniqueViolation = "23505"

const selectColumns = `id, product_id, quantity, min_quantity, max_quantity, version, created_at, updated_at`

type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("stockmesh/inventory/pgstore"),
	}
}

func (s *Store) BeginTx(ctx context.Context) (inventory.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &txStore{tx: tx, tracer: s.tracer}, nil
}

func (s *Store) FindByProductID(ctx context.Context, productID int64) (*inventory.Record, error) {
	ctx, span := s.tracer.Start(ctx, "pgstore.find_by_product_id",
		trace.WithAttributes(attribute.Int64("product.id", productID)),
	)
	defer span.End()

	return getRecord(ctx, s.db, `SELECT `+selectColumns+` FROM inventories WHERE product_id = $1`, productID)
}

func (s *Store) FindPage(ctx context.Context, page inventory.PageRequest, lowStockOnly bool) ([]*inventory.Record, int64, error) {
	ctx, span := s.tracer.Start(ctx, "pgstore.find_page",
		trace.WithAttributes(
			attribute.Int("page.number", page.Number),
			attribute.Int("page.size", page.Size),
			attribute.Bool("low_stock_only", lowStockOnly),
		),
	)
	defer span.End()

	where := ""
	if lowStockOnly {
		where = " WHERE quantity <= min_quantity"
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM inventories`+where); err != nil {
		return nil, 0, fmt.Errorf("count inventories: %w", err)
	}

	direction := "ASC"
	if page.Direction == inventory.SortDesc {
		direction = "DESC"
	}
	// Column and direction come from a fixed allow-list, never from raw input.
	query := fmt.Sprintf(`SELECT %s FROM inventories%s ORDER BY %s %s, id ASC LIMIT $1 OFFSET $2`,
		selectColumns, where, page.SortColumn(), direction)

	records := []*inventory.Record{}
	if err := s.db.SelectContext(ctx, &records, query, page.Size, page.Offset()); err != nil {
		return nil, 0, fmt.Errorf("select inventories: %w", err)
	}

	span.SetAttributes(attribute.Int64("records.total", total))
	return records, total, nil
}

func (s *Store) FindAll(ctx context.Context) ([]*inventory.Record, error) {
	ctx, span := s.tracer.Start(ctx, "pgstore.find_all")
	defer span.End()

	records := []*inventory.Record{}
	if err := s.db.SelectContext(ctx, &records, `SELECT `+selectColumns+` FROM inventories ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("select inventories: %w", err)
	}
	return records, nil
}

type txStore struct {
	tx     *sqlx.Tx
	tracer trace.Tracer
}

func (t *txStore) FindByProductID(ctx context.Context, productID int64) (*inventory.Record, error) {
	return getRecord(ctx, t.tx, `SELECT `+selectColumns+` FROM inventories WHERE product_id = $1`, productID)
}

func (t *txStore) FindByProductIDForUpdate(ctx context.Context, productID int64) (*inventory.Record, error) {
	ctx, span := t.tracer.Start(ctx, "pgstore.find_for_update",
		trace.WithAttributes(attribute.Int64("product.id", productID)),
	)
	defer span.End()

	return getRecord(ctx, t.tx, `SELECT `+selectColumns+` FROM inventories WHERE product_id = $1 FOR UPDATE`, productID)
}

func (t *txStore) ExistsByProductID(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM inventories WHERE product_id = $1)`, productID)
	if err != nil {
		return false, fmt.Errorf("check inventory existence: %w", err)
	}
	return exists, nil
}

func (t *txStore) Save(ctx context.Context, rec *inventory.Record) error {
	ctx, span := t.tracer.Start(ctx, "pgstore.save",
		trace.WithAttributes(
			attribute.Int64("product.id", rec.ProductID),
			attribute.Int64("version", rec.Version),
		),
	)
	defer span.End()

	if rec.ID == 0 {
		err := t.tx.QueryRowxContext(ctx, `
			INSERT INTO inventories (product_id, quantity, min_quantity, max_quantity, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
			RETURNING id, version
		`, rec.ProductID, rec.Quantity, rec.MinQuantity, rec.MaxQuantity, rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID, &rec.Version)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("%w: product %d", inventory.ErrDuplicateInventory, rec.ProductID)
			}
			return fmt.Errorf("insert inventory: %w", err)
		}
		return nil
	}

	var version int64
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE inventories
		SET quantity = $1, min_quantity = $2, max_quantity = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
		RETURNING version
	`, rec.Quantity, rec.MinQuantity, rec.MaxQuantity, rec.UpdatedAt, rec.ID, rec.Version).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return inventory.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	rec.Version = version
	return nil
}

func (t *txStore) Delete(ctx context.Context, rec *inventory.Record) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM inventories WHERE id = $1`, rec.ID)
	if err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: product %d", inventory.ErrNotFound, rec.ProductID)
	}
	return nil
}

func (t *txStore) Commit() error {
	if err := t.tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return inventory.ErrDuplicateInventory
		}
		return err
	}
	return nil
}

func (t *txStore) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, query string, productID int64) (*inventory.Record, error) {
	var rec inventory.Record
	err := sqlx.GetContext(ctx, q, &rec, query, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", inventory.ErrNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory: %w", err)
	}
	return &rec, nil
}

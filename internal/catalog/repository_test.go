package catalog

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockmesh/internal/migration"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"),
		envOr("PGPORT", "5432"),
		envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"),
		envOr("PGDATABASE", "testdb"),
	)

	db, err := sqlx.Open("postgres", connStr)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres repository tests: could not connect to postgres: %v", err)
	}

	require.NoError(t, migration.Run(db.DB, migration.Catalog))
	_, err = db.Exec(`TRUNCATE TABLE products RESTART IDENTITY`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgresRepository(t *testing.T) {
	repo := NewPostgresRepository(setupTestDB(t))
	ctx := context.Background()

	p := &Product{Name: "Desk Lamp", Price: price("24.50")}
	require.NoError(t, repo.Create(ctx, p))
	assert.Equal(t, int64(1), p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(price("24.5")))

	assert.ErrorIs(t, repo.Create(ctx, &Product{Name: "Desk Lamp", Price: price("1")}), ErrDuplicateProduct)

	taken, err := repo.ExistsByName(ctx, "desk lamp", 0)
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = repo.ExistsByName(ctx, "desk lamp", p.ID)
	require.NoError(t, err)
	assert.False(t, taken)

	got.Price = price("30.00")
	require.NoError(t, repo.Update(ctx, got))

	items, total, err := repo.FindPage(ctx, PageRequest{Size: 10, Sort: "price"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, items, 1)
	assert.True(t, items[0].Price.Equal(price("30")))

	require.NoError(t, repo.Delete(ctx, p.ID))
	assert.ErrorIs(t, repo.Delete(ctx, p.ID), ErrProductNotFound)
	_, err = repo.FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestMemoryRepositoryPaging(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	for i, name := range []string{"Delta", "Alpha", "Charlie", "Bravo"} {
		require.NoError(t, repo.Create(ctx, &Product{Name: name, Price: price(fmt.Sprintf("%d.00", i+1))}))
	}

	items, total, err := repo.FindPage(ctx, PageRequest{Number: 1, Size: 3, Sort: "name"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, items, 1)
	assert.Equal(t, "Delta", items[0].Name)

	items, _, err = repo.FindPage(ctx, PageRequest{Size: 2, Sort: "price", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bravo", "Charlie"}, []string{items[0].Name, items[1].Name})

	items, _, err = repo.FindPage(ctx, PageRequest{Number: 5, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.ErrorIs(t, repo.Create(ctx, &Product{Name: "ALPHA", Price: price("1")}), ErrDuplicateProduct)
}

package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Metadata is free-form event context stored as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Event is one journaled entry in an aggregate's stream.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	EventID       uuid.UUID       `json:"event_id" db:"event_id"`
	AggregateID   string          `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Metadata      Metadata        `json:"metadata" db:"metadata"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// EventStore appends and replays aggregate streams in the inventory_events table.
type EventStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("stockmesh/eventstore"),
	}
}

// AppendEvents appends events after expectedVersion, failing with
// ErrConcurrencyConflict when another writer got there first.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	if err := tx.GetContext(ctx, &currentVersion, `
		SELECT COALESCE(MAX(version), 0)
		FROM inventory_events
		WHERE aggregate_id = $1
	`, aggregateID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "40001" {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	if err := insertEvents(ctx, tx, span, aggregateID, aggregateType, expectedVersion, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "40001" {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// Append adds events to the end of an aggregate's stream and returns the
// version of the last one. Appends to the same aggregate are serialized by a
// transaction-scoped advisory lock, so they never conflict with each other.
func (es *EventStore) Append(ctx context.Context, aggregateID, aggregateType string, events []Event) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.append_next",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	tx, err := es.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID); err != nil {
		return 0, fmt.Errorf("lock aggregate stream: %w", err)
	}

	var currentVersion int
	if err := tx.GetContext(ctx, &currentVersion, `
		SELECT COALESCE(MAX(version), 0)
		FROM inventory_events
		WHERE aggregate_id = $1
	`, aggregateID); err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}

	if err := insertEvents(ctx, tx, span, aggregateID, aggregateType, currentVersion, events); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	version := currentVersion + len(events)
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, span trace.Span, aggregateID, aggregateType string, fromVersion int, events []Event) error {
	now := time.Now().UTC()
	for i, event := range events {
		version := fromVersion + i + 1
		if event.EventID == uuid.Nil {
			event.EventID = uuid.New()
		}

		var id int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO inventory_events (event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, event.EventID, aggregateID, aggregateType, event.EventType, string(event.EventData), event.Metadata, version, now).Scan(&id)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && (pqErr.Code == "23505" || pqErr.Code == "40001") {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}
	return nil
}

// LoadEvents returns up to limit events of an aggregate with version >= fromVersion,
// oldest first. A limit of zero loads the whole stream.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion, limit int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("from.version", fromVersion),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM inventory_events
		WHERE aggregate_id = $1
		AND version >= $2
		ORDER BY version ASC
	`
	args := []any{aggregateID, fromVersion}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// LoadRecent returns the newest limit events of an aggregate, newest first.
// A limit of zero loads the whole stream.
func (es *EventStore) LoadRecent(ctx context.Context, aggregateID string, limit int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load_recent",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `
		SELECT id, event_id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM inventory_events
		WHERE aggregate_id = $1
		ORDER BY version DESC
	`
	args := []any{aggregateID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate, zero when it has no events.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID)),
	)
	defer span.End()

	var version int
	if err := es.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0)
		FROM inventory_events
		WHERE aggregate_id = $1
	`, aggregateID); err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockmesh/internal/eventstore"
)

const journalAggregateType = "inventory"

// EventJournal is the append-only stream the journal subscriber writes to.
// Append assigns the next version itself and serializes writers per aggregate.
type EventJournal interface {
	Append(ctx context.Context, aggregateID, aggregateType string, events []eventstore.Event) (int, error)
	LoadRecent(ctx context.Context, aggregateID string, limit int) ([]eventstore.Event, error)
}

// HistoryEntry is a journaled change event.
type HistoryEntry struct {
	Sequence   int         `json:"sequence"`
	Event      ChangeEvent `json:"event"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// JournalSubscriber keeps an audit trail of change events per product.
type JournalSubscriber struct {
	journal EventJournal
}

func NewJournalSubscriber(journal EventJournal) *JournalSubscriber {
	return &JournalSubscriber{journal: journal}
}

func (j *JournalSubscriber) Name() string { return "journal" }

func (j *JournalSubscriber) Handle(ctx context.Context, event ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	aggregateID := journalAggregateID(event.ProductID)
	entry := eventstore.Event{
		EventType: string(event.Operation),
		EventData: data,
		Metadata:  eventstore.Metadata{"source": "inventory-service"},
	}
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok && requestID != "" {
		entry.Metadata["request_id"] = requestID
	}

	if _, err := j.journal.Append(ctx, aggregateID, journalAggregateType, []eventstore.Event{entry}); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// History returns the most recent limit journaled events for a product, newest first.
func (j *JournalSubscriber) History(ctx context.Context, productID int64, limit int) ([]HistoryEntry, error) {
	events, err := j.journal.LoadRecent(ctx, journalAggregateID(productID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(events))
	for _, e := range events {
		var change ChangeEvent
		if err := json.Unmarshal(e.EventData, &change); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %d: %w", e.Version, err)
		}
		entries = append(entries, HistoryEntry{
			Sequence:   e.Version,
			Event:      change,
			RecordedAt: e.CreatedAt,
		})
	}
	return entries, nil
}

func journalAggregateID(productID int64) string {
	return fmt.Sprintf("inventory-%d", productID)
}

type requestIDKey struct{}

// WithRequestID tags ctx so journal entries can be traced back to their request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/reloft/auction-service/internal/event"
)

// EventStore is the Postgres-backed auction audit log. Rows are append-only;
// nothing ever updates or deletes them.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

const insertEventQuery = `
	INSERT INTO events (aggregate_id, type, data, version)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) == 1 {
		e := &events[0]
		row := s.db.QueryRowxContext(ctx, insertEventQuery, e.AggregateID, e.Type, e.Data, e.Version)
		if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
			return fmt.Errorf("appending %s event for %s: %w", e.Type, e.AggregateID, err)
		}
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range events {
		e := &events[i]
		row := tx.QueryRowxContext(ctx, insertEventQuery, e.AggregateID, e.Type, e.Data, e.Version)
		if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
			return fmt.Errorf("appending %s event for %s: %w", e.Type, e.AggregateID, err)
		}
	}
	return tx.Commit()
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events
		 WHERE aggregate_id = $1
		 ORDER BY created_at ASC, version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events for %s: %w", aggregateID, err)
	}
	return events, nil
}

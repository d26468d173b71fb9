package event

import "context"

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate in append order.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
}

// Package auction holds the pure domain rules of the bidding engine:
// the lifecycle state machine, derived status for reads, and the tiered
// minimum-increment (tick) pricing rules. It has no I/O dependencies.
package auction

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusProceeding Status = "PROCEEDING"
	StatusCompleted  Status = "COMPLETED"
	StatusCanceled   Status = "CANCELED"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusProceeding, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// transitions is the complete set of legal lifecycle edges.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusProceeding},
	StatusProceeding: {StatusCompleted, StatusCanceled},
}

// ValidateTransition returns ErrIllegalTransition unless from→to is one of
// SCHEDULED→PROCEEDING, PROCEEDING→COMPLETED or PROCEEDING→CANCELED.
// Terminal states are never left.
func ValidateTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// DerivedStatus computes the status a reader must see given the persisted
// status and the wall clock. The persisted value may lag behind real time
// until the sweep catches up; reads never wait for the sweep.
func DerivedStatus(persisted Status, startTime, endTime, now time.Time) Status {
	if persisted.Terminal() {
		return persisted
	}
	if !now.Before(endTime) {
		return StatusCompleted
	}
	if persisted == StatusScheduled && !now.Before(startTime) {
		return StatusProceeding
	}
	return persisted
}

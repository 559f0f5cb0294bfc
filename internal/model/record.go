// Package model defines the Record tracked by harvest and its lifecycle.
//
// A Record is created by the translator in StatusPending, persisted in
// StatusAcquiring once the agent accepts it, and later moves to
// StatusCompleted, StatusFailed or StatusEvicted. Records are plain values:
// the repository hands out copies and owns every mutation.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned by Validate for records that break an invariant.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one acquirable item and its lifecycle state.
type Record struct {
	ID           string
	Title        string
	SourceLink   string // passed to the agent verbatim
	SizeBytes    int64  // 0 = unknown, never "free"
	IsPrivileged bool
	SeederCount  int
	Category     string // "" = none

	AddedAt     time.Time
	CompletedAt time.Time // zero = absent

	Status Status
}

// RawEntry is one untrusted feed entry as delivered by the feed source.
type RawEntry struct {
	Title       string
	Link        string
	Description string
}

// HasCompleted reports whether CompletedAt is set.
func (r Record) HasCompleted() bool {
	return !r.CompletedAt.IsZero()
}

// EvictionKey is the timestamp eviction ordering uses: the completion time,
// or AddedAt for a completed record that lost its CompletedAt.
func (r Record) EvictionKey() time.Time {
	if r.HasCompleted() {
		return r.CompletedAt
	}
	return r.AddedAt
}

// Transition returns a copy of r moved to status to.
// CompletedAt is stamped with at on the move to StatusCompleted and carried
// unchanged through StatusEvicted.
func (r Record) Transition(to Status, at time.Time) (Record, error) {
	if !CanTransition(r.Status, to) {
		return r, fmt.Errorf("%w: %s -> %s (id %s)", ErrIllegalTransition, r.Status, to, r.ID)
	}
	next := r
	next.Status = to
	if to == StatusCompleted {
		next.CompletedAt = at
	}
	return next, nil
}

// Validate checks the invariants that hold for every stored record.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case r.SizeBytes < 0:
		return fmt.Errorf("%w: negative size %d (id %s)", ErrInvalidRecord, r.SizeBytes, r.ID)
	case r.SeederCount < 0:
		return fmt.Errorf("%w: negative seeders %d (id %s)", ErrInvalidRecord, r.SeederCount, r.ID)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q (id %s)", ErrInvalidRecord, r.Status, r.ID)
	}

	switch r.Status {
	case StatusCompleted:
		if !r.HasCompleted() {
			return fmt.Errorf("%w: completed without completion time (id %s)", ErrInvalidRecord, r.ID)
		}
	case StatusPending, StatusAcquiring, StatusFailed:
		if r.HasCompleted() {
			return fmt.Errorf("%w: %s record has completion time (id %s)", ErrInvalidRecord, r.Status, r.ID)
		}
	}
	return nil
}

// Package store is the durable repository of tracked records.
//
// Every mutation saves the whole record map through a Backend before it
// returns. If the save fails the in-memory change is rolled back, so memory
// never claims more than disk holds.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abelbrown/harvest/internal/filter"
	"github.com/abelbrown/harvest/internal/model"
)

var (
	// ErrAlreadyTracked is returned by Add for an id already present.
	ErrAlreadyTracked = errors.New("record already tracked")

	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("record not found")

	// ErrImmutableField is returned by Update when the added time, size or
	// an already set completion time changes.
	ErrImmutableField = errors.New("immutable field changed")
)

// Repository is the in-memory record map mirrored to a Backend.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
// Returned records are copies.
type Repository struct {
	mu      sync.RWMutex
	backend Backend
	records map[string]model.Record
}

// Open loads the backend's state. When the state is corrupt the returned
// repository is usable and empty and the error wraps ErrCorrupt. Any other
// load failure returns a nil repository.
func Open(backend Backend) (*Repository, error) {
	r := &Repository{backend: backend, records: make(map[string]model.Record)}

	records, err := backend.Load()
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return r, err
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	for id, rec := range records {
		r.records[id] = rec
	}
	return r, nil
}

// Close closes the backend.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend.Close()
}

// Add persists a new record. An existing id is never overwritten.
func (r *Repository) Add(rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, rec.ID)
	}

	r.records[rec.ID] = rec
	if err := r.save(); err != nil {
		delete(r.records, rec.ID)
		return err
	}
	return nil
}

// Update replaces a stored record. The status must be unchanged or a legal
// transition. AddedAt and SizeBytes are immutable, and so is CompletedAt
// once set.
func (r *Repository) Update(rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	if !old.AddedAt.Equal(rec.AddedAt) || old.SizeBytes != rec.SizeBytes {
		return fmt.Errorf("%w: %s", ErrImmutableField, rec.ID)
	}
	if old.HasCompleted() && !old.CompletedAt.Equal(rec.CompletedAt) {
		return fmt.Errorf("%w: completed_at of %s", ErrImmutableField, rec.ID)
	}
	if old.Status != rec.Status && !model.CanTransition(old.Status, rec.Status) {
		return fmt.Errorf("%w: %s -> %s (id %s)", model.ErrIllegalTransition, old.Status, rec.Status, rec.ID)
	}

	return r.replace(old, rec)
}

// Transition moves a record to status to. at stamps CompletedAt on the move
// to Completed. Returns the updated record.
func (r *Repository) Transition(id string, to model.Status, at time.Time) (model.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.records[id]
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := old.Transition(to, at)
	if err != nil {
		return old, err
	}
	if err := r.replace(old, next); err != nil {
		return old, err
	}
	return next, nil
}

// replace swaps old for next and saves; caller holds the write lock.
func (r *Repository) replace(old, next model.Record) error {
	r.records[next.ID] = next
	if err := r.save(); err != nil {
		r.records[old.ID] = old
		return err
	}
	return nil
}

// Remove deletes a record.
func (r *Repository) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	if err := r.save(); err != nil {
		r.records[id] = old
		return err
	}
	return nil
}

func (r *Repository) save() error {
	snapshot := make(map[string]model.Record, len(r.records))
	for id, rec := range r.records {
		snapshot[id] = rec
	}
	if err := r.backend.Save(snapshot); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Get returns the record for id.
func (r *Repository) Get(id string) (model.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Exists reports whether id is tracked in any status.
func (r *Repository) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[id]
	return ok
}

// Len returns the number of tracked records.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// GetAll returns every record ordered by AddedAt, then id.
func (r *Repository) GetAll() []model.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedRecords(r.records)
}

func sortedRecords(m map[string]model.Record) []model.Record {
	out := make([]model.Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetByStatus returns records in status, ordered as GetAll.
func (r *Repository) GetByStatus(status model.Status) []model.Record {
	return filter.ByStatus(r.GetAll(), status)
}

// Snapshot is a read-only copy of the tracked ids.
type Snapshot struct {
	ids map[string]struct{}
}

// Exists reports whether id was tracked when the snapshot was taken.
func (s Snapshot) Exists(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids in the snapshot.
func (s Snapshot) Len() int {
	return len(s.ids)
}

// Snapshot captures the current id set.
func (r *Repository) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]struct{}, len(r.records))
	for id := range r.records {
		ids[id] = struct{}{}
	}
	return Snapshot{ids: ids}
}

var _ filter.Tracker = Snapshot{}

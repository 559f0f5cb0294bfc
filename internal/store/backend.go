package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/abelbrown/harvest/internal/model"
)

var (
	// ErrCorrupt is returned when durable state exists but cannot be decoded.
	ErrCorrupt = errors.New("state corrupt")

	// ErrWriteFailed is returned when a mutation could not be persisted.
	ErrWriteFailed = errors.New("state write failed")
)

// Backend persists the whole record map. Save must be atomic: after a crash
// either the previous or the new map is readable, never a mix.
type Backend interface {
	// Load returns the persisted map. Missing state is an empty map and no
	// error. Undecodable state returns an error wrapping ErrCorrupt.
	Load() (map[string]model.Record, error)
	Save(records map[string]model.Record) error
	Close() error
}

// Backend kinds accepted by OpenBackend.
const (
	KindJSON   = "json"
	KindSQLite = "sqlite"
)

// OpenBackend constructs the backend named by kind at path.
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case KindJSON, "":
		return NewJSONFileBackend(path), nil
	case KindSQLite:
		b, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", kind)
}

// ReadState loads the records at path without side effects: a corrupt
// JSON file is reported but left in place and a missing SQLite file is not
// created. Records are sorted by AddedAt, then ID.
func ReadState(kind, path string) ([]model.Record, error) {
	var backend Backend
	switch kind {
	case KindJSON, "":
		backend = &JSONFileBackend{path: path, now: time.Now, readOnly: true}
	case KindSQLite:
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return []model.Record{}, nil
		}
		b, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
	defer backend.Close()

	m, err := backend.Load()
	if err != nil {
		return nil, err
	}
	return sortedRecords(m), nil
}

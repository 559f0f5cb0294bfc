package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/abelbrown/harvest/internal/model"
)

// JSONFileBackend stores records as one JSON object keyed by id. The file
// format is compatible with torrents.json state files.
type JSONFileBackend struct {
	path     string
	now      func() time.Time
	readOnly bool // never quarantine
}

// NewJSONFileBackend returns a backend writing to path.
func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path, now: time.Now}
}

// Path returns the state file path.
func (b *JSONFileBackend) Path() string {
	return b.path
}

// Load reads the state file. A file that does not decode is renamed to
// <path>.corrupt-<unix> so the next Save cannot destroy it.
func (b *JSONFileBackend) Load() (map[string]model.Record, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]model.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]model.Record{}, nil
	}

	var records map[string]model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		if b.readOnly {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.path, err)
		}
		moved := b.quarantine()
		return nil, fmt.Errorf("%w: %s: %v (moved to %s)", ErrCorrupt, b.path, err, moved)
	}
	if records == nil {
		records = map[string]model.Record{}
	}
	for id, r := range records {
		if r.ID == "" {
			r.ID = id
			records[id] = r
		}
	}
	return records, nil
}

func (b *JSONFileBackend) quarantine() string {
	dst := fmt.Sprintf("%s.corrupt-%d", b.path, b.now().Unix())
	if err := os.Rename(b.path, dst); err != nil {
		return "nowhere: " + err.Error()
	}
	return dst
}

// Save writes records to a temp file in the same directory, syncs it and
// renames it over the state file.
func (b *JSONFileBackend) Save(records map[string]model.Record) error {
	if b.readOnly {
		return fmt.Errorf("save %s: backend is read-only", b.path)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}

	return syncDir(dir)
}

// Close is a no-op; the file is not held open between saves.
func (b *JSONFileBackend) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync state dir: %w", err)
	}
	return nil
}

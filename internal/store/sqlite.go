package store

import (
	"database/sql"
	"fmt"

	"github.com/abelbrown/harvest/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores records in a single SQLite table.
// Save replaces the table contents inside one transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dbPath.
// Uses WAL mode for file-based databases.
func OpenSQLite(dbPath string) (*SQLiteBackend, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// shared cache so every pooled connection sees the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
	}

	b := &SQLiteBackend{db: db}
	if err := b.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		link TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		is_privileged INTEGER NOT NULL DEFAULT 0,
		seeders INTEGER NOT NULL DEFAULT 0,
		category TEXT,
		added_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Load reads every row. A row that does not decode makes the whole state
// corrupt; a failing query or iteration is returned as a plain error so the
// stored rows are never treated as lost.
func (b *SQLiteBackend) Load() (map[string]model.Record, error) {
	rows, err := b.db.Query(`
		SELECT id, title, link, size, is_privileged, seeders, category,
		       added_at, completed_at, status
		FROM records
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make(map[string]model.Record)
	for rows.Next() {
		var (
			r                   model.Record
			privileged          int
			category, completed sql.NullString
			added, status       string
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.SourceLink, &r.SizeBytes, &privileged,
			&r.SeederCount, &category, &added, &completed, &status); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrCorrupt, err)
		}

		r.IsPrivileged = privileged != 0
		r.Category = category.String
		if r.Status, err = model.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, r.ID, err)
		}
		if r.AddedAt, err = model.ParseTime(added); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, r.ID, err)
		}
		if completed.Valid && completed.String != "" {
			if r.CompletedAt, err = model.ParseTime(completed.String); err != nil {
				return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, r.ID, err)
			}
		}
		records[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Save replaces all rows with records atomically.
func (b *SQLiteBackend) Save(records map[string]model.Record) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO records (
			id, title, link, size, is_privileged, seeders, category,
			added_at, completed_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var category, completed sql.NullString
		if r.Category != "" {
			category = sql.NullString{String: r.Category, Valid: true}
		}
		if r.HasCompleted() {
			completed = sql.NullString{String: model.FormatTime(r.CompletedAt), Valid: true}
		}
		privileged := 0
		if r.IsPrivileged {
			privileged = 1
		}

		if _, err := stmt.Exec(r.ID, r.Title, r.SourceLink, r.SizeBytes, privileged,
			r.SeederCount, category, model.FormatTime(r.AddedAt), completed, string(r.Status)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

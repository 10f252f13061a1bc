// Package ledger records which source documents have already been ingested
// into the vector index, keyed by the SHA-256 of their raw content. The
// ingestion pipeline consults it to skip duplicates across restarts.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Source is one ingested document.
type Source struct {
	// SHA256 is the hex digest of the raw document bytes.
	SHA256 string
	// Name is the file name, path or URL the document came from.
	Name string
	// Fragments is the number of fragments the document produced.
	Fragments int
	// FirstID is the index id of the document's first fragment.
	FirstID int
	// IngestedAt is when the document was recorded.
	IngestedAt time.Time
}

// Ledger tracks ingested sources. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// Seen reports whether a source with the given digest was recorded.
	Seen(ctx context.Context, sha string) (bool, error)
	// Record persists src. Recording an already-known digest is a no-op.
	Record(ctx context.Context, src Source) error
	// List returns up to limit sources, most recent first.
	List(ctx context.Context, limit int) ([]Source, error)
	// Reset forgets every recorded source.
	Reset(ctx context.Context) error
	// Close releases any resources held by the ledger.
	Close() error
}

// Digest returns the hex SHA-256 of content, the key used by Seen and Record.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SQLiteLedger is a Ledger backed by a local SQLite database.
type SQLiteLedger struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default ledger path, ~/.vortex/ledger.db,
// creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ledger: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".vortex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("ledger: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "ledger.db"), nil
}

// Open opens (or creates) a SQLiteLedger at path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteLedger, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// migrate creates the schema if it does not already exist.
func (l *SQLiteLedger) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS ingested_sources (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    sha256       TEXT    NOT NULL UNIQUE,
    name         TEXT    NOT NULL,
    fragments    INTEGER NOT NULL,
    first_id     INTEGER NOT NULL,
    ingested_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
`
	if _, err := l.db.Exec(ddl); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Seen reports whether sha was recorded.
func (l *SQLiteLedger) Seen(ctx context.Context, sha string) (bool, error) {
	const q = `SELECT 1 FROM ingested_sources WHERE sha256 = ? LIMIT 1`
	var one int
	err := l.db.QueryRowContext(ctx, q, sha).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("ledger: seen: %w", err)
	}
	return true, nil
}

// Record persists src, ignoring duplicates of an existing digest.
func (l *SQLiteLedger) Record(ctx context.Context, src Source) error {
	if src.SHA256 == "" {
		return fmt.Errorf("ledger: record: empty digest")
	}
	at := src.IngestedAt
	if at.IsZero() {
		at = time.Now()
	}
	const q = `INSERT OR IGNORE INTO ingested_sources (sha256, name, fragments, first_id, ingested_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, q, src.SHA256, src.Name, src.Fragments, src.FirstID, at.Unix()); err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	return nil
}

// List returns up to limit sources, newest first.
func (l *SQLiteLedger) List(ctx context.Context, limit int) ([]Source, error) {
	const q = `
SELECT sha256, name, fragments, first_id, ingested_at
FROM   ingested_sources
ORDER  BY ingested_at DESC, id DESC
LIMIT  ?`

	rows, err := l.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		var ts int64
		if err := rows.Scan(&s.SHA256, &s.Name, &s.Fragments, &s.FirstID, &ts); err != nil {
			return nil, fmt.Errorf("ledger: list scan: %w", err)
		}
		s.IngestedAt = time.Unix(ts, 0)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list rows: %w", err)
	}
	return out, nil
}

// Reset deletes every recorded source. Used when the index is rebuilt.
func (l *SQLiteLedger) Reset(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM ingested_sources`); err != nil {
		return fmt.Errorf("ledger: reset: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (l *SQLiteLedger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	return nil
}

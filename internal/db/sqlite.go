package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one compile request as kept in the history table.
type Record struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	Mode        string    `json:"mode,omitempty"`
	Format      string    `json:"format,omitempty"`
	Status      string    `json:"status"`
	Code        string    `json:"code,omitempty"`
	Token       string    `json:"token,omitempty"`
	SourceHash  string    `json:"source_hash"`
	DurationMS  int64     `json:"duration_ms"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS compiles (
	id           TEXT PRIMARY KEY,
	endpoint     TEXT NOT NULL,
	mode         TEXT NOT NULL DEFAULT '',
	format       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	code         TEXT NOT NULL DEFAULT '',
	token        TEXT NOT NULL DEFAULT '',
	source_hash  TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	artifact_key TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compiles_created_at ON compiles (created_at);
`

// History stores compile records in SQLite.
type History struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record inserts r.
func (h *History) Record(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO compiles (id, endpoint, mode, format, status, code, token, source_hash, duration_ms, artifact_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Endpoint, r.Mode, r.Format, r.Status, r.Code, r.Token, r.SourceHash, r.DurationMS, r.ArtifactKey,
		r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("recording compile %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, endpoint, mode, format, status, code, token, source_hash, duration_ms, artifact_key, created_at
		FROM compiles
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Endpoint, &r.Mode, &r.Format, &r.Status, &r.Code, &r.Token,
			&r.SourceHash, &r.DurationMS, &r.ArtifactKey, &created); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("bad created_at %q for %s: %w", created, r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Fingerprint returns the hex BLAKE2b-256 digest of source. History keeps
// the digest, never the source itself.
func Fingerprint(source string) string {
	sum := blake2b.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

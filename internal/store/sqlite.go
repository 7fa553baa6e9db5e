package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			arm TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			creds TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveSnapshot stores one versioned state export and returns its row ID.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, version int, data []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (version, created_at, data) VALUES (?, ?, ?)`,
		version, time.Now().UTC(), data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the most recent snapshot, or nil when none exists.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, created_at, data FROM snapshots ORDER BY id DESC LIMIT 1`)

	var rec SnapshotRecord
	if err := row.Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &rec, nil
}

// AppendAudit persists one audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_log (id, timestamp, kind, request_id, arm, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC(), rec.Kind, rec.RequestID, rec.Arm, rec.Outcome, rec.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit, offset int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, kind, request_id, arm, outcome, detail
		 FROM audit_log ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Kind, &rec.RequestID, &rec.Arm, &rec.Outcome, &rec.Detail); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveVaultBlob upserts the single vault row.
func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, creds map[string]string) error {
	encoded, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode vault creds: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, creds) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt = excluded.salt, creds = excluded.creds`,
		salt, string(encoded))
	if err != nil {
		return fmt.Errorf("save vault blob: %w", err)
	}
	return nil
}

// LoadVaultBlob returns the persisted vault salt and sealed credentials, or
// nils when nothing was saved.
func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT salt, creds FROM vault_blob WHERE id = 1`)

	var salt []byte
	var encoded string
	if err := row.Scan(&salt, &encoded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load vault blob: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal([]byte(encoded), &creds); err != nil {
		return nil, nil, fmt.Errorf("decode vault creds: %w", err)
	}
	return salt, creds, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

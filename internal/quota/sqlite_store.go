package quota

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS quota_ledger (
	tenant_id  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists ledger records in a SQLite database. Several
// processes may share the file; the version column serializes writers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the ledger database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM quota_ledger WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding ledger record: %w", err)
	}
	rec.init()
	return &rec, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}
	now := time.Now().UnixMilli()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO quota_ledger (tenant_id, version, record, updated_at)
			 VALUES (?, ?, ?, ?) ON CONFLICT(tenant_id) DO NOTHING`,
			rec.TenantID, rec.Version, string(raw), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE quota_ledger SET version = ?, record = ?, updated_at = ?
			 WHERE tenant_id = ? AND version = ?`,
			rec.Version, string(raw), now, rec.TenantID, expected)
	}
	if err != nil {
		return fmt.Errorf("writing ledger record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("writing ledger record: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM quota_ledger ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing ledger tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

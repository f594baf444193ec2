package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS documents (
	tenant_id      TEXT    NOT NULL,
	document_id    TEXT    NOT NULL,
	title          TEXT    NOT NULL,
	title_fold     TEXT    NOT NULL,
	content_length INTEGER NOT NULL,
	vector_count   INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	claimed_at     INTEGER NOT NULL DEFAULT 0,
	orphaned       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, document_id)
);
CREATE INDEX IF NOT EXISTS documents_tenant_created ON documents (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS documents_claimed ON documents (claimed_at) WHERE claimed_at > 0;
`

// sortColumns maps sort fields to trusted column names.
var sortColumns = map[SortField]string{
	SortByCreatedAt:     "created_at",
	SortByTitle:         "title_fold",
	SortByVectorCount:   "vector_count",
	SortByContentLength: "content_length",
}

// SQLiteCatalog is a Catalog in a SQLite database.
type SQLiteCatalog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCatalog opens (creating if needed) the catalog database at path.
func NewSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: catalog path is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	if err := migrateCatalog(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCatalog{db: db, now: time.Now}, nil
}

// migrateCatalog adds columns missing from catalogs created by older releases.
func migrateCatalog(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('documents') WHERE name = 'orphaned'`).Scan(&n); err != nil {
		return fmt.Errorf("inspecting catalog schema: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE documents ADD COLUMN orphaned INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("migrating catalog schema: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) Insert(ctx context.Context, doc Document) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, document_id, title, title_fold, content_length, vector_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, document_id) DO NOTHING`,
		doc.TenantID, doc.ID, doc.Title, strings.ToLower(doc.Title),
		doc.ContentLength, doc.VectorCount, doc.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("inserting document: %w", err)
	} else if n == 0 {
		return ErrDocumentExists
	}
	return nil
}

const documentColumns = `tenant_id, document_id, title, content_length, vector_count, created_at, orphaned`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d       Document
		created int64
	)
	if err := row.Scan(&d.TenantID, &d.ID, &d.Title, &d.ContentLength, &d.VectorCount, &created, &d.Orphaned); err != nil {
		return Document{}, err
	}
	d.CreatedAt = time.Unix(0, created).UTC()
	return d, nil
}

func (c *SQLiteCatalog) Get(ctx context.Context, tenantID, documentID string) (Document, error) {
	doc, err := scanDocument(c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE tenant_id = ? AND document_id = ? AND claimed_at = 0`, tenantID, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("reading document: %w", err)
	}
	return doc, nil
}

func (c *SQLiteCatalog) Claim(ctx context.Context, tenantID, documentID string) (Document, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET claimed_at = ?
		 WHERE tenant_id = ? AND document_id = ? AND claimed_at = 0`,
		c.now().UnixNano(), tenantID, documentID)
	if err != nil {
		return Document{}, fmt.Errorf("claiming document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Document{}, fmt.Errorf("claiming document: %w", err)
	} else if n == 0 {
		return Document{}, ErrDocumentNotFound
	}

	doc, err := scanDocument(c.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND document_id = ?`,
		tenantID, documentID))
	if err != nil {
		return Document{}, fmt.Errorf("reading claimed document: %w", err)
	}
	return doc, nil
}

func (c *SQLiteCatalog) Remove(ctx context.Context, tenantID, documentID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = ? AND document_id = ?`, tenantID, documentID); err != nil {
		return fmt.Errorf("removing document: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) Restore(ctx context.Context, tenantID, documentID string) error {
	if _, err := c.db.ExecContext(ctx,
		`UPDATE documents SET claimed_at = 0 WHERE tenant_id = ? AND document_id = ?`, tenantID, documentID); err != nil {
		return fmt.Errorf("restoring document: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) Abandon(ctx context.Context, doc Document) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, document_id, title, title_fold, content_length, vector_count, created_at, claimed_at, orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (tenant_id, document_id) DO UPDATE SET claimed_at = excluded.claimed_at, orphaned = 1`,
		doc.TenantID, doc.ID, doc.Title, strings.ToLower(doc.Title),
		doc.ContentLength, doc.VectorCount, doc.CreatedAt.UnixNano(), c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("abandoning document: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) Pending(ctx context.Context, claimedBefore time.Time) ([]Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE claimed_at > 0 AND claimed_at < ?`,
		claimedBefore.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing pending deletes: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) List(ctx context.Context, tenantID string, opts ListOptions) (Page, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return Page{}, err
	}

	where := `tenant_id = ? AND claimed_at = 0`
	args := []any{tenantID}
	if opts.Search != "" {
		where += ` AND instr(title_fold, ?) > 0`
		args = append(args, strings.ToLower(opts.Search))
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("counting documents: %w", err)
	}

	dir := "ASC"
	if opts.SortOrder == SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY %s %s, document_id %s LIMIT ? OFFSET ?`,
		documentColumns, where, sortColumns[opts.SortBy], dir, dir)
	rows, err := c.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	items, err := collectDocuments(rows)
	if err != nil {
		return Page{}, err
	}
	return newPage(items, total, opts), nil
}

func (c *SQLiteCatalog) Stats(ctx context.Context, tenantID string) (Stats, error) {
	var (
		s       Stats
		vectors sql.NullInt64
		bytes   sql.NullInt64
		latest  sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(vector_count), SUM(content_length), MAX(created_at)
		 FROM documents WHERE tenant_id = ? AND claimed_at = 0`, tenantID).
		Scan(&s.Documents, &vectors, &bytes, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	s.Vectors = int(vectors.Int64)
	s.StorageBytes = bytes.Int64
	if latest.Valid {
		s.LastUpdated = time.Unix(0, latest.Int64).UTC()
	}
	return s, nil
}

func (c *SQLiteCatalog) Close() error { return c.db.Close() }

var _ Catalog = (*SQLiteCatalog)(nil)

// Package metadata provides the SQL-backed document repository with metrics.
// PostgreSQL (lib/pq) and SQLite (go-sqlite3) are supported.
package metadata

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// ErrNotFound is returned when no document has the requested title.
var ErrNotFound = errors.New("document not found")

// Dialect identifies the SQL flavour behind a Store.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Document is one row of the documents table. Title is the file's base name
// and is the upsert key.
type Document struct {
	Title     string
	Path      string
	Content   string
	Language  string
	Size      int64
	Hash      string
	Version   int
	UpdatedAt time.Time
}

// Store is a SQL document repository.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// ParseURL maps a DATABASE_URL onto a driver dialect and DSN.
//
//	postgres://... or postgresql://...  -> lib/pq, unchanged
//	sqlite://path                       -> go-sqlite3, "path"
//	file:...                            -> go-sqlite3, unchanged
func ParseURL(databaseURL string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return Postgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dsn := strings.TrimPrefix(databaseURL, "sqlite://")
		if dsn == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", databaseURL)
		}
		return SQLite, dsn, nil
	case strings.HasPrefix(databaseURL, "file:"):
		return SQLite, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

// New opens the repository described by databaseURL and verifies the
// connection.
func New(databaseURL string) (*Store, error) {
	dialect, dsn, err := ParseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == SQLite {
		// SQLite serializes writers; one connection also keeps :memory:
		// databases alive and shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logging.Info("metadata repository connected", zap.String("dialect", string(dialect)))
	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL flavour of the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS documents (
	title      TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT 'plaintext',
	size       BIGINT NOT NULL DEFAULT 0,
	hash       TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents (path);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS documents (
	title      TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT 'plaintext',
	size       INTEGER NOT NULL DEFAULT 0,
	hash       TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents (path);
`

// Migrate creates the documents table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := schemaPostgres
	if s.dialect == SQLite {
		schema = schemaSQLite
	}

	logging.Info("running migration", zap.String("table", "documents"))
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders into $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertDocument inserts or updates the row for d.Title. Size and Hash are
// derived from Content; an update bumps the version.
func (s *Store) UpsertDocument(ctx context.Context, d Document) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_document", time.Since(start)) }()

	if d.Title == "" {
		return fmt.Errorf("upsert: empty title")
	}
	if d.Language == "" {
		d.Language = "plaintext"
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	sum := sha256.Sum256([]byte(d.Content))

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO documents (title, path, content, language, size, hash, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (title) DO UPDATE SET
			path = EXCLUDED.path,
			content = EXCLUDED.content,
			language = EXCLUDED.language,
			size = EXCLUDED.size,
			hash = EXCLUDED.hash,
			version = documents.version + 1,
			updated_at = EXCLUDED.updated_at`),
		d.Title, d.Path, d.Content, d.Language, int64(len(d.Content)), hex.EncodeToString(sum[:]),
		d.UpdatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	logging.Debug("upserted document",
		zap.String("title", d.Title),
		zap.String("path", d.Path),
		zap.Int("size", len(d.Content)))
	return nil
}

// GetDocument returns the row for title.
func (s *Store) GetDocument(ctx context.Context, title string) (*Document, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_document", time.Since(start)) }()

	var d Document
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT title, path, content, language, size, hash, version, updated_at
		 FROM documents WHERE title = ?`), title).
		Scan(&d.Title, &d.Path, &d.Content, &d.Language, &d.Size, &d.Hash, &d.Version, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, title)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", title, err)
	}
	return &d, nil
}

// DocumentCount returns the number of stored documents.
func (s *Store) DocumentCount(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("document_count", time.Since(start)) }()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

package edge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/parksync/internal/config"
	"github.com/TheMichaelB/parksync/internal/events"
	"github.com/TheMichaelB/parksync/internal/models"
)

type dialect struct {
	driver   string
	blobType string
	numbered bool // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{driver: "sqlite3", blobType: "BLOB"}
	postgresDialect = dialect{driver: "pgx", blobType: "BYTEA", numbered: true}
)

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStorage keeps buckets in SQLite or Postgres. Postgres lets several
// edge processes share one cache.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	logger  *events.Logger

	// Serializes puts so sequence numbers stay monotonic within a process.
	mu sync.Mutex
}

// NewSQLiteStorage opens a SQLite-backed storage at path.
func NewSQLiteStorage(ctx context.Context, path string, logger *events.Logger) (*SQLStorage, error) {
	db, err := sql.Open(sqliteDialect.driver, path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStorage(ctx, db, sqliteDialect, logger)
}

// NewPostgresStorage opens a Postgres-backed storage.
func NewPostgresStorage(ctx context.Context, dsn string, logger *events.Logger) (*SQLStorage, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLStorage(ctx, db, postgresDialect, logger)
}

func newSQLStorage(ctx context.Context, db *sql.DB, d dialect, logger *events.Logger) (*SQLStorage, error) {
	s := &SQLStorage{
		db:      db,
		dialect: d,
		logger:  logger.WithFields(map[string]interface{}{"component": "edge_sql_storage", "driver": d.driver}),
	}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache storage: %w", err)
	}
	return s, nil
}

// OpenStorage selects the storage backend named by cfg.Driver.
func OpenStorage(ctx context.Context, cfg config.EdgeConfig, logger *events.Logger) (CacheStorage, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(ctx, cfg.DSN, logger)
	case "postgres":
		return NewPostgresStorage(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: unknown edge driver %q", models.ErrInvalidConfig, cfg.Driver)
	}
}

func (s *SQLStorage) initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS edge_caches (
            name TEXT PRIMARY KEY,
            seq BIGINT NOT NULL
        )`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS edge_cache_entries (
            cache_name TEXT NOT NULL,
            request_key TEXT NOT NULL,
            seq BIGINT NOT NULL,
            url TEXT NOT NULL,
            status INTEGER NOT NULL,
            header TEXT NOT NULL,
            body %s NOT NULL,
            PRIMARY KEY (cache_name, request_key)
        )`, s.dialect.blobType),
		`CREATE INDEX IF NOT EXISTS edge_cache_entries_seq ON edge_cache_entries (cache_name, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStorage) exec(ctx context.Context, q sqlExecer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Open returns the named bucket, creating it if needed.
func (s *SQLStorage) Open(ctx context.Context, name string) (Cache, error) {
	// The WHERE clause keeps SQLite from reading ON CONFLICT as a join.
	_, err := s.exec(ctx, s.db, `
        INSERT INTO edge_caches (name, seq)
        SELECT CAST(? AS TEXT), COALESCE(MAX(seq), 0) + 1 FROM edge_caches WHERE 1 = 1
        ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqlCache{storage: s, name: name}, nil
}

// Keys lists bucket names in creation order.
func (s *SQLStorage) Keys(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT name FROM edge_caches ORDER BY seq, name`)
}

// Delete removes a bucket and its entries.
func (s *SQLStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM edge_cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM edge_caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	s.logger.WithField("cache", name).Debug("Deleted cache")
	return n > 0, nil
}

// Close closes the database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) strings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type sqlCache struct {
	storage *SQLStorage
	name    string
}

func (c *sqlCache) Match(ctx context.Context, key string) (*Response, error) {
	s := c.storage
	var (
		resp   Response
		header string
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT url, status, header, body FROM edge_cache_entries WHERE cache_name = ? AND request_key = ?`),
		c.name, key).Scan(&resp.URL, &resp.Status, &header, &resp.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("match %s in %s: %w", key, c.name, err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", key, err)
	}
	return &resp, nil
}

func (c *sqlCache) Put(ctx context.Context, key string, resp *Response) error {
	s := c.storage
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM edge_cache_entries WHERE cache_name = ?`), c.name).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if _, err := s.exec(ctx, tx,
		`DELETE FROM edge_cache_entries WHERE cache_name = ? AND request_key = ?`, c.name, key); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	if _, err := s.exec(ctx, tx, `
        INSERT INTO edge_cache_entries (cache_name, request_key, seq, url, status, header, body)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.name, key, seq, resp.URL, resp.Status, string(header), body); err != nil {
		return fmt.Errorf("insert %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *sqlCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.storage.exec(ctx, c.storage.db,
		`DELETE FROM edge_cache_entries WHERE cache_name = ? AND request_key = ?`, c.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *sqlCache) Keys(ctx context.Context) ([]string, error) {
	return c.storage.strings(ctx,
		`SELECT request_key FROM edge_cache_entries WHERE cache_name = ? ORDER BY seq, request_key`, c.name)
}

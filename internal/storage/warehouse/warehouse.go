// Package warehouse provides the DuckDB-backed persistence of the raw store
// and the derived views.
//
// All relations live in one DuckDB file. Derived relations are replaced
// inside a single transaction (DELETE + INSERT + COMMIT); DuckDB's MVCC gives
// concurrent readers either the old or the new complete content.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
)

// =============================================================================
// Configuration
// =============================================================================

// Options holds warehouse configuration options.
type Options struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string

	// DDLDir optionally holds .sql files run by Migrate.
	DDLDir string

	// MemoryLimit is the DuckDB memory limit (e.g. "1GB").
	MemoryLimit string

	// Threads limits DuckDB worker threads. Zero keeps the default.
	Threads int

	// InsertChunkSize is the number of rows per multi-row INSERT.
	InsertChunkSize int

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// S3 holds object-store settings applied by ConfigureS3.
	S3 S3Options
}

// S3Options holds object-store settings.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MemoryLimit:     "1GB",
		InsertChunkSize: 500,
		MaxOpenConns:    8,
	}
}

// =============================================================================
// Warehouse
// =============================================================================

// Warehouse wraps the DuckDB database.
//
// Warehouse is safe for concurrent use.
type Warehouse struct {
	db        *sql.DB
	connector *duckdb.Connector
	opts      Options
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database file.
func Open(ctx context.Context, opts Options) (*Warehouse, error) {
	if opts.InsertChunkSize <= 0 {
		opts.InsertChunkSize = DefaultOptions().InsertChunkSize
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultOptions().MaxOpenConns
	}

	connector, err := duckdb.NewConnector(dsn(opts), nil)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", opts.Path, errors.Join(errors.ErrDatabase, err))
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(opts.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", errors.Join(errors.ErrDatabase, err))
	}

	w := &Warehouse{
		db:        db,
		connector: connector,
		opts:      opts,
		logger:    logging.Component("warehouse"),
	}

	w.logger.Debug("warehouse opened", "path", opts.Path, "memory_limit", opts.MemoryLimit)
	return w, nil
}

// dsn builds the DuckDB DSN with configuration parameters.
func dsn(opts Options) string {
	params := url.Values{}
	if opts.MemoryLimit != "" {
		params.Set("memory_limit", opts.MemoryLimit)
	}
	if opts.Threads > 0 {
		params.Set("threads", strconv.Itoa(opts.Threads))
	}
	if len(params) == 0 {
		return opts.Path
	}
	return opts.Path + "?" + params.Encode()
}

// Close closes the warehouse.
func (w *Warehouse) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	// database/sql closes the connector with the pool.
	return w.db.Close()
}

// DB returns the underlying database handle.
// Use with caution - prefer using Warehouse methods.
func (w *Warehouse) DB() *sql.DB {
	return w.db
}

// Path returns the database file path.
func (w *Warehouse) Path() string {
	return w.opts.Path
}

func (w *Warehouse) checkOpen() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errors.ErrClosed
	}
	return nil
}

// Health checks database connectivity.
func (w *Warehouse) Health(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	return w.db.PingContext(ctx)
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (w *Warehouse) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", errors.Join(errors.ErrDatabase, err))
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", errors.Join(errors.ErrDatabase, err))
	}

	return nil
}

// =============================================================================
// Object store
// =============================================================================

// ConfigureS3 applies the S3 settings to the database. It loads the httpfs
// extension, so it is only called before reading remote paths.
func (w *Warehouse) ConfigureS3(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	stmts := []string{"INSTALL httpfs", "LOAD httpfs"}
	if w.opts.S3.Region != "" {
		stmts = append(stmts, "SET GLOBAL s3_region = "+quoteLiteral(w.opts.S3.Region))
	}
	if w.opts.S3.AccessKeyID != "" {
		stmts = append(stmts,
			"SET GLOBAL s3_access_key_id = "+quoteLiteral(w.opts.S3.AccessKeyID),
			"SET GLOBAL s3_secret_access_key = "+quoteLiteral(w.opts.S3.SecretAccessKey),
		)
	}

	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			// Keep credentials out of the error text.
			name, _, _ := strings.Cut(stmt, " =")
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// =============================================================================
// Lifecycle
// =============================================================================

// Destroy removes the database file and its DuckDB write-ahead log.
// A missing file is not an error.
func Destroy(path string) error {
	for _, p := range []string{path, path + ".wal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

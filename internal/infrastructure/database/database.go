package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/signpost-core/internal/infrastructure/config"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// pingTimeout bounds the connectivity check performed by Open.
	pingTimeout = 5 * time.Second

	connMaxIdleTime = 30 * time.Minute
)

// memoryPath selects an in-process database that vanishes on Close.
const memoryPath = ":memory:"

// DB wraps a sql.DB connection to the sign store.
// It adds migrations, health checks, and transaction helpers.
type DB struct {
	*sql.DB
	path string
}

// Open connects to the SQLite database described by cfg.
//
// It creates the parent directory when needed, applies the busy timeout
// and WAL pragmas, and verifies the connection with a ping. The path
// ":memory:" opens a private in-memory database.
//
// Parameters:
//   - cfg: Database section of the service configuration
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: If the directory, connection, or ping fails
func Open(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}

	inMemory := cfg.Path == memoryPath
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg, inMemory))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; SQLite serialises writes anyway and a single
	// connection keeps ":memory:" databases shared across queries.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if !inMemory {
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if !inMemory {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // File may be created lazily
	}

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// dsn builds the go-sqlite3 connection string.
// See: https://github.com/mattn/go-sqlite3#connection-string
func dsn(cfg config.DatabaseConfig, inMemory bool) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout*int(time.Second/time.Millisecond)),
		"_foreign_keys=on",
	}
	if cfg.WALMode && !inMemory {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + cfg.Path + "?" + strings.Join(params, "&")
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the database answers a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
//
// Example:
//
//	err := db.WithTx(ctx, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE signs SET name = ? WHERE id = ?", name, id)
//	    return err
//	})
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the database backing the cache.
type Options struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the Postgres connection string, or overrides Path for SQLite.
	DSN string
}

// Cache represents the local mail store database
type Cache struct {
	db     *sqlx.DB
	driver string
	logger *logrus.Logger
}

// NewCache opens the database and applies pending migrations
func NewCache(opts Options, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.New()
	}
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts)
	case DriverPostgres:
		db, err = sqlx.Open("postgres", opts.DSN)
		if err == nil {
			err = db.Ping()
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cache := &Cache{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := cache.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"driver": driver,
		"path":   opts.Path,
	}).Info("Cache initialized")
	return cache, nil
}

func openSQLite(opts Options) (*sqlx.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		dsn = opts.Path
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer connection serializes transactions the way SQLite
	// requires and keeps PRAGMAs applied to every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return db, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// runMigrations applies outstanding migrations in order
func (c *Cache) runMigrations(ctx context.Context) error {
	current := 0

	var exists int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"
	if c.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'schema_version'"
	}
	if err := c.db.GetContext(ctx, &exists, query); err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists > 0 {
		if err := c.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := c.db.ExecContext(ctx, dialect(c.driver, m.sql)); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		if c.driver == DriverSQLite && m.sqliteOnly != "" {
			if _, err := c.db.ExecContext(ctx, m.sqliteOnly); err != nil {
				return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
			}
		}
	}
	return nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying database handle
func (c *Cache) DB() *sqlx.DB {
	return c.db
}

// Driver returns the database driver name
func (c *Cache) Driver() string {
	return c.driver
}

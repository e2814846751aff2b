// Package store provides access to the backing database. It owns the
// connection pool and hands out single-use connections scoped to one batch.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Config defines database connection parameters. DSN, if set, overrides
// the individual server/database/user fields.
type Config struct {
	Type     string // postgres or sqlite
	Server   string
	Database string
	User     string
	Password string
	DSN      string

	ConnectAttempts int           // how many times to retry the initial ping
	ConnectDuration time.Duration // initial backoff duration
	ConnectFactor   float64       // backoff factor

	MaxOpenConns int
	MaxIdleConns int
}

// Provider wraps a sqlx pool and yields per-batch connections.
type Provider struct {
	db     *sqlx.DB
	driver string
}

// New opens the pool for the configured driver and verifies connectivity.
// The ping is retried with backoff to survive slow database startup.
func New(cfg Config) (*Provider, error) {
	driver, dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	duration := cfg.ConnectDuration
	if duration <= 0 {
		duration = time.Second
	}
	factor := cfg.ConnectFactor
	if factor <= 0 {
		factor = 3
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: duration, Factor: factor})
	err = rptr.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if e := db.PingContext(ctx); e != nil {
			log.Printf("[WARN] ping %s database failed: %v", driver, e)
			return e
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Provider{db: db, driver: driver}
	if driver == "sqlite" {
		// WAL allows concurrent batches to read while one writes
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Printf("[WARN] failed to set WAL mode: %v", err)
		}
	}

	log.Printf("[INFO] connected to %s database", driver)
	return p, nil
}

// Acquire returns a connection dedicated to a single batch. The caller must
// close it on every exit path to return it to the pool.
func (p *Provider) Acquire(ctx context.Context) (*sqlx.Conn, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}

// Close shuts down the underlying pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

// dsn builds the driver name and connection string from the config
func (c Config) dsn() (driver, dsn string, err error) {
	dbType := strings.ToLower(c.Type)
	if dbType == "" {
		dbType = "postgres"
	}

	switch dbType {
	case "postgres":
		if c.DSN != "" {
			return "postgres", c.DSN, nil
		}
		if c.Server == "" || c.Database == "" || c.User == "" {
			return "", "", fmt.Errorf("postgres requires server, database and user")
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable&connect_timeout=10",
			c.User, c.Password, c.Server, c.Database)
		return "postgres", dsn, nil
	case "sqlite":
		if c.DSN != "" {
			return "sqlite", c.DSN, nil
		}
		if c.Database == "" {
			return "", "", fmt.Errorf("sqlite requires database path")
		}
		return "sqlite", c.Database, nil
	default:
		return "", "", fmt.Errorf("unsupported database type %q", c.Type)
	}
}

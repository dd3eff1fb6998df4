// Package store is the record store gateway: claiming pending emails, inserting
// derived orders and writing per-email status. Every operation runs in its own
// transaction.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultMaxAttempts = 5
	defaultClaimLease  = 15 * time.Minute
	defaultOpTimeout   = 10 * time.Second
)

type Config struct {
	Driver string

	// Postgres connection parameters.
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	// Path is the SQLite database file.
	Path string

	// MaxAttempts bounds how many claims a record gets before it is left failed.
	// Zero selects the default of 5; a negative value disables the bound.
	MaxAttempts int
	// ClaimLease is how long an in_progress claim is honored before another run may
	// reclaim the record.
	ClaimLease time.Duration
	// OpTimeout bounds each store operation.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaultClaimLease
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	return c
}

// DSN renders the driver-specific connection string.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverPostgres:
		sslmode := c.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   c.Host + ":" + strconv.Itoa(port),
			Path:   "/" + c.Name,
		}
		q := url.Values{}
		q.Set("sslmode", sslmode)
		q.Set("connect_timeout", strconv.Itoa(int(defaultOpTimeout/time.Second)))
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return "", fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
		return c.Path, nil
	}
	return "", fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", c.Driver)
}

// Store is the record store gateway over database/sql.
type Store struct {
	db  *sql.DB
	cfg Config
	sb  sq.StatementBuilderType

	now func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. cfg.Driver selects the SQL dialect.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	sb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	switch cfg.Driver {
	case DriverPostgres:
		db.SetConnMaxLifetime(30 * time.Minute)
	case DriverSQLite:
		sb = sq.StatementBuilder.PlaceholderFormat(sq.Question)
		// One connection keeps PRAGMAs in effect and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite)", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		sb:      sb,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the configured dialect.
func (s *Store) Driver() string { return s.cfg.Driver }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh monotonic ULID string.
func (s *Store) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

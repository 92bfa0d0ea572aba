// Package db is the relay's relational store: accounts for the local identity
// provider, per-user settings, subscriptions and webhook idempotency records.
// It runs on Postgres in production and on SQLCipher locally and in tests.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/extension-relay/internal/obs"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// MaxOpenConns bounds the Postgres pool.
	MaxOpenConns = 10

	// MaxIdleConns is the idle pool size for Postgres.
	MaxIdleConns = 2
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("db: not found")

	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("db: duplicate")
)

// Store wraps a *sql.DB with dialect-aware queries.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database named by dsn. For SQLite, encKeyHex (optional)
// encrypts the file. The schema is applied before returning.
func Open(ctx context.Context, driver, dsn, encKeyHex string) (*Store, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch driver {
	case DriverPostgres:
		sqlDB, err = sql.Open(PostgresDriverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB.SetMaxOpenConns(MaxOpenConns)
		sqlDB.SetMaxIdleConns(MaxIdleConns)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	case DriverSQLite:
		sqlDB, err = sql.Open(SQLiteDriverName, SQLiteDSN(dsn, encKeyHex))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite is single-writer; one connection keeps immediate transactions ordered.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := NewFromSQL(sqlDB, driver)
	if err := store.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	obs.Pkg("db").Info("database ready", "driver", driver)
	return store, nil
}

// NewFromSQL wraps an existing connection. The caller applies the schema.
func NewFromSQL(sqlDB *sql.DB, driver string) *Store {
	return &Store{db: sqlDB, driver: driver, now: time.Now}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Migrate applies the schema idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema(s.driver)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB for direct access when needed.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the dialect name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	return rebind(s.driver, query)
}

func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate is the row-lock suffix. SQLite relies on immediate transactions.
func forUpdate(driver string) string {
	if driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// Tx is a store transaction. Subscription mutations go through it so reads
// and writes of a row happen under the same lock.
type Tx struct {
	tx     *sql.Tx
	driver string
	now    int64
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, driver: s.driver, now: s.nowMillis()}
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			obs.From(ctx).Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.driver, query), args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

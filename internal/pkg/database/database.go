// Package database opens the relational store shared by the saga log, the
// outbox, the order write model and the read model.
//
// Two drivers are supported behind database/sql:
//
//   - "sqlite": the pure-Go modernc.org/sqlite driver (no CGO, default).
//   - "pgx":    PostgreSQL through github.com/jackc/pgx/v5/stdlib.
//
// Repositories write their queries with "?" placeholders and run them through
// DB.Rebind so the same SQL works on both.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	// Register the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Register the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps *sql.DB with the driver name so queries can be rebound.
type DB struct {
	*sql.DB
	driver string
}

// Open opens the database for the given driver and DSN.
//
// For SQLite, WAL mode and a busy timeout are enabled through the _pragma
// parameters understood by the modernc driver, and the pool is capped at a
// single connection so writers serialize instead of failing with SQLITE_BUSY.
//
//	db, err := database.Open(ctx, "sqlite", "./data/fulfillment.db")
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: ping %s: %w", driver, err)
	}

	return &DB{DB: sqlDB, driver: driver}, nil
}

// OpenMemory opens a private in-memory SQLite database. The name keeps
// separate tests from sharing state.
func OpenMemory(ctx context.Context, name string) (*DB, error) {
	return Open(ctx, DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts "?" placeholders to "$n" for PostgreSQL.
func (db *DB) Rebind(query string) string {
	return Rebind(db.driver, query)
}

// Rebind converts "?" placeholders to the positional form of the driver.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
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

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit tx: %w", err)
	}
	return nil
}

// ApplySchema runs the DDL statements once. Statements must be idempotent
// (IF NOT EXISTS).
func (db *DB) ApplySchema(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: apply schema: %w", err)
		}
	}
	return nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "_pragma=") {
			return path
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + "_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
}

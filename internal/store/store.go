// Package store persists BotVisits. Every Insert writes exactly one row.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shortontech/botbeacon/internal/event"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

type Store interface {
	Insert(ctx context.Context, v event.BotVisit) error
	// VisitsSince returns visits with CreatedAt >= since, oldest first.
	VisitsSince(ctx context.Context, since time.Time) ([]event.BotVisit, error)
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Open builds the store for driver. Postgres and SQLite create their
// table and indexes on open.
func Open(ctx context.Context, driver, dsn, table string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn, table)
	case "postgres":
		return OpenPostgres(ctx, dsn, table)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateTableName guards identifiers interpolated into DDL and queries.
func validateTableName(name string) error {
	if name == "" {
		return errors.New("table name is empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("table name %q exceeds 63 characters", name)
	}
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("table name %q must match %s", name, tableNamePattern)
	}
	return nil
}

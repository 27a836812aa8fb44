package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
	id                      TEXT PRIMARY KEY,
	created_at              INTEGER NOT NULL,
	bot_type                TEXT NOT NULL,
	user_agent              TEXT NOT NULL,
	ip_address              TEXT NOT NULL,
	website_url             TEXT NOT NULL,
	referer                 TEXT,
	is_bot                  INTEGER NOT NULL DEFAULT 1,
	bot_confidence          REAL NOT NULL,
	client_automation_score REAL,
	additional_data         TEXT CHECK (additional_data IS NULL OR json_valid(additional_data))
)`,
	placeholder: func(int) string { return "?" },
	encodeTime:  unixNano,
}

// unixNano clamps times outside the int64 nanosecond range.
func unixNano(t time.Time) any {
	switch {
	case t.Year() < 1678:
		return int64(math.MinInt64)
	case t.Year() > 2261:
		return int64(math.MaxInt64)
	}
	return t.UTC().UnixNano()
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(ctx context.Context, path, table string) (*SQL, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if !strings.Contains(path, "?") {
		// WAL + busy timeout to avoid "database is locked"
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := newSQL(db, table, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

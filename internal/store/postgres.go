package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var postgresDialect = dialect{
	name: "postgres",
	createTable: `CREATE TABLE IF NOT EXISTS %s (
	id                      UUID PRIMARY KEY,
	created_at              TIMESTAMPTZ NOT NULL,
	bot_type                TEXT NOT NULL,
	user_agent              TEXT NOT NULL,
	ip_address              TEXT NOT NULL,
	website_url             TEXT NOT NULL,
	referer                 TEXT,
	is_bot                  BOOLEAN NOT NULL DEFAULT TRUE,
	bot_confidence          DOUBLE PRECISION NOT NULL,
	client_automation_score DOUBLE PRECISION,
	additional_data         JSONB
)`,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	encodeTime:  func(t time.Time) any { return t.UTC() },
	utf8Text:    true,
}

// OpenPostgres connects with lib/pq and ensures the schema.
func OpenPostgres(ctx context.Context, dsn, table string) (*SQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s, err := NewPostgres(ctx, db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres builds a store over an existing connection pool.
func NewPostgres(ctx context.Context, db *sql.DB, table string) (*SQL, error) {
	s, err := newSQL(db, table, postgresDialect)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

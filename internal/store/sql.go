package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/shortontech/botbeacon/internal/event"
)

const columns = "id, created_at, bot_type, user_agent, ip_address, website_url, referer, is_bot, bot_confidence, client_automation_score, additional_data"

// dialect holds what differs between the SQL engines.
type dialect struct {
	name        string
	createTable string // format verb receives the table name
	placeholder func(n int) string
	encodeTime  func(time.Time) any

	// utf8Text is set when TEXT columns reject invalid UTF-8.
	utf8Text bool
}

// SQL is a Store over database/sql. Postgres and SQLite differ only in
// their dialect.
type SQL struct {
	db      *sql.DB
	table   string
	dialect dialect
	closed  atomic.Bool

	insertQuery string
	sinceQuery  string
}

func newSQL(db *sql.DB, table string, d dialect) (*SQL, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	s := &SQL{db: db, table: table, dialect: d}

	ph := make([]string, 11)
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	s.insertQuery = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, columns, strings.Join(ph, ", "))
	s.sinceQuery = fmt.Sprintf("SELECT %s FROM %s WHERE created_at >= %s ORDER BY created_at ASC", columns, table, d.placeholder(1))
	return s, nil
}

func (s *SQL) Name() string { return s.dialect.name }

// ensureSchema creates the visits table and its indexes.
func (s *SQL) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.createTable, s.table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_bot_type ON %s (bot_type)", s.table, s.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *SQL) Insert(ctx context.Context, v event.BotVisit) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.dialect.utf8Text {
		v = validUTF8(v)
	}
	var extra any
	if len(v.AdditionalData) > 0 {
		b, err := json.Marshal(v.AdditionalData)
		if err != nil {
			return fmt.Errorf("failed to serialize additional data: %w", err)
		}
		extra = string(b)
	}
	var score any
	if v.ClientAutomationScore != nil {
		score = *v.ClientAutomationScore
	}

	_, err := s.db.ExecContext(ctx, s.insertQuery,
		v.ID,
		s.dialect.encodeTime(v.CreatedAt),
		v.BotType,
		v.UserAgent,
		v.IPAddress,
		v.WebsiteURL,
		v.Referer,
		v.IsBot,
		v.BotConfidence,
		score,
		extra,
	)
	if err != nil {
		return fmt.Errorf("failed to insert visit: %w", err)
	}
	return nil
}

// validUTF8 replaces invalid UTF-8 in the text columns and keeps the
// original bytes, base64 encoded, under event.KeyRawFields. v's map is not
// modified.
func validUTF8(v event.BotVisit) event.BotVisit {
	fields := []struct {
		column string
		value  *string
	}{
		{"user_agent", &v.UserAgent},
		{"ip_address", &v.IPAddress},
		{"website_url", &v.WebsiteURL},
		{"referer", &v.Referer},
		{"bot_type", &v.BotType},
	}
	var raw map[string]string
	for _, f := range fields {
		if utf8.ValidString(*f.value) {
			continue
		}
		if raw == nil {
			raw = make(map[string]string)
		}
		raw[f.column] = base64.StdEncoding.EncodeToString([]byte(*f.value))
		*f.value = strings.ToValidUTF8(*f.value, "\uFFFD")
	}
	if raw == nil {
		return v
	}
	extra := make(map[string]any, len(v.AdditionalData)+1)
	for k, val := range v.AdditionalData {
		extra[k] = val
	}
	extra[event.KeyRawFields] = raw
	v.AdditionalData = extra
	return v
}

func (s *SQL) VisitsSince(ctx context.Context, since time.Time) ([]event.BotVisit, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.sinceQuery, s.dialect.encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var out []event.BotVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read visits: %w", err)
	}
	return out, nil
}

func scanVisit(rows *sql.Rows) (event.BotVisit, error) {
	var (
		v         event.BotVisit
		createdAt any
		referer   sql.NullString
		score     sql.NullFloat64
		extra     sql.NullString
	)
	err := rows.Scan(&v.ID, &createdAt, &v.BotType, &v.UserAgent, &v.IPAddress, &v.WebsiteURL,
		&referer, &v.IsBot, &v.BotConfidence, &score, &extra)
	if err != nil {
		return v, fmt.Errorf("failed to scan visit: %w", err)
	}
	if v.CreatedAt, err = decodeTime(createdAt); err != nil {
		return v, err
	}
	v.Referer = referer.String
	if score.Valid {
		f := score.Float64
		v.ClientAutomationScore = &f
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &v.AdditionalData); err != nil {
			return v, fmt.Errorf("failed to decode additional data: %w", err)
		}
	}
	return v, nil
}

// decodeTime accepts driver timestamps and SQLite's unix nanoseconds.
func decodeTime(src any) (time.Time, error) {
	switch t := src.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported created_at value %T", src)
}

func (s *SQL) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

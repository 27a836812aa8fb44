package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shortontech/botbeacon/internal/event"
)

func expectSchema(mock sqlmock.Sqlmock, table string) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_" + table + "_created_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_" + table + "_bot_type").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgres_EnsureSchema_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	expectSchema(mock, "test_visits")

	s, err := NewPostgres(context.Background(), db, "test_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	if s.Name() != "postgres" {
		t.Errorf("Name() = %q, want postgres", s.Name())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_EnsureSchema_TableError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_visits").
		WillReturnError(fmt.Errorf("permission denied"))

	_, err = NewPostgres(context.Background(), db, "test_visits")
	if err == nil {
		t.Fatal("expected error from ensureSchema")
	}
	if !strings.Contains(err.Error(), "failed to create table") {
		t.Errorf("error should mention table creation: %v", err)
	}
}

func TestPostgres_EnsureSchema_IndexError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS test_visits").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_test_visits_created_at").
		WillReturnError(fmt.Errorf("index error"))

	_, err = NewPostgres(context.Background(), db, "test_visits")
	if err == nil {
		t.Fatal("expected error from ensureSchema")
	}
	if !strings.Contains(err.Error(), "failed to create index") {
		t.Errorf("error should mention index creation: %v", err)
	}
}

func TestPostgres_RejectsBadTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	if _, err := NewPostgres(context.Background(), db, "visits; DROP TABLE x"); err == nil {
		t.Error("expected table name validation error")
	}
}

func TestPostgres_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "bot_visits")

	s, err := NewPostgres(context.Background(), db, "bot_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	score := 0.5
	v := event.BotVisit{
		ID:                    "5f0c6a0e-7a43-4b8e-9d57-2c5d8b1f2a10",
		CreatedAt:             at,
		BotType:               "GPTBot",
		UserAgent:             "GPTBot/1.0",
		IPAddress:             "1.2.3.4",
		WebsiteURL:            "https://example.com/",
		IsBot:                 true,
		BotConfidence:         1.0,
		ClientAutomationScore: &score,
		AdditionalData:        map[string]any{event.KeyMethod: event.MethodPost},
	}

	mock.ExpectExec(`INSERT INTO bot_visits \(id, created_at`).
		WithArgs(v.ID, at, "GPTBot", "GPTBot/1.0", "1.2.3.4", "https://example.com/", "", true, 1.0, 0.5, `{"method":"post"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Insert(context.Background(), v); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgres_InsertInvalidUTF8(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "bot_visits")

	s, err := NewPostgres(context.Background(), db, "bot_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ua := "GPTBot/1.0 \xff\xfe"
	extra := map[string]any{event.KeyMethod: event.MethodPost}
	v := event.BotVisit{
		ID:             "5f0c6a0e-7a43-4b8e-9d57-2c5d8b1f2a10",
		CreatedAt:      at,
		BotType:        "GPTBot",
		UserAgent:      ua,
		IPAddress:      "1.2.3.4",
		WebsiteURL:     "https://example.com/",
		IsBot:          true,
		BotConfidence:  1.0,
		AdditionalData: extra,
	}

	mock.ExpectExec(`INSERT INTO bot_visits \(id, created_at`).
		WithArgs(v.ID, at, "GPTBot", "GPTBot/1.0 \uFFFD", "1.2.3.4", "https://example.com/", "", true, 1.0, nil,
			`{"method":"post","rawFields":{"user_agent":"R1BUQm90LzEuMCD//g=="}}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Insert(context.Background(), v); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if _, ok := extra[event.KeyRawFields]; ok {
		t.Error("caller's additional data was modified")
	}
}

func TestPostgres_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "bot_visits")

	s, err := NewPostgres(context.Background(), db, "bot_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}

	mock.ExpectExec("INSERT INTO bot_visits").WillReturnError(fmt.Errorf("connection reset"))

	err = s.Insert(context.Background(), event.BotVisit{ID: "x", CreatedAt: time.Now(), IsBot: true})
	if err == nil || !strings.Contains(err.Error(), "failed to insert visit") {
		t.Errorf("Insert error = %v", err)
	}
}

func TestPostgres_VisitsSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()
	expectSchema(mock, "bot_visits")

	s, err := NewPostgres(context.Background(), db, "bot_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	created := since.Add(time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "created_at", "bot_type", "user_agent", "ip_address", "website_url",
		"referer", "is_bot", "bot_confidence", "client_automation_score", "additional_data",
	}).
		AddRow("id-1", created, "ClaudeBot", "ClaudeBot/1.0", "unknown", "https://a/", nil, true, 1.0, nil, []byte(`{"method":"pixel"}`)).
		AddRow("id-2", created.Add(time.Minute), "Generic Bot", "spider", "1.1.1.1", "https://b/", "https://r/", true, 0.8, 0.25, nil)

	mock.ExpectQuery("SELECT .* FROM bot_visits WHERE created_at >=").
		WithArgs(since).
		WillReturnRows(rows)

	got, err := s.VisitsSince(context.Background(), since)
	if err != nil {
		t.Fatalf("VisitsSince failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d visits, want 2", len(got))
	}
	if got[0].BotType != "ClaudeBot" || got[0].AdditionalData[event.KeyMethod] != "pixel" {
		t.Errorf("first visit = %+v", got[0])
	}
	if got[0].ClientAutomationScore != nil {
		t.Error("null score should stay nil")
	}
	if got[1].ClientAutomationScore == nil || *got[1].ClientAutomationScore != 0.25 {
		t.Errorf("second score = %v", got[1].ClientAutomationScore)
	}
	if got[1].Referer != "https://r/" {
		t.Errorf("referer = %q", got[1].Referer)
	}
	if !got[1].CreatedAt.Equal(created.Add(time.Minute)) {
		t.Errorf("created_at = %v", got[1].CreatedAt)
	}
}

func TestPostgres_Closed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	expectSchema(mock, "bot_visits")
	mock.ExpectClose()

	s, err := NewPostgres(context.Background(), db, "bot_visits")
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if err := s.Insert(context.Background(), event.BotVisit{}); err != ErrClosed {
		t.Errorf("Insert after close = %v, want ErrClosed", err)
	}
}

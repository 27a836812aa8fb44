package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/shortontech/botbeacon/internal/event"
)

// LogSink appends one JSON line per visit to LOG_PATH ("stdout" for stdout).
type LogSink struct {
	dst string
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
}

func NewLogSink() *LogSink {
	return &LogSink{dst: getEnvOr("LOG_PATH", "bot_visits.ndjson")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out io.Writer = os.Stdout
	if s.dst != "stdout" {
		f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log sink %s: %w", s.dst, err)
		}
		s.f = f
		out = f
	}
	s.w = bufio.NewWriter(out)
	return nil
}

func (s *LogSink) Enqueue(v event.BotVisit) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize visit: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("log sink not started")
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write visit: %w", err)
	}
	return s.w.Flush()
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.w != nil {
		err = s.w.Flush()
		s.w = nil
	}
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
		s.f = nil
	}
	return err
}

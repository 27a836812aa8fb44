package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shortontech/botbeacon/internal/event"
)

// Memory keeps visits in process. It backs tests and single-node dev runs.
type Memory struct {
	mu     sync.RWMutex
	visits []event.BotVisit
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Insert(_ context.Context, v event.BotVisit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.visits = append(m.visits, v)
	return nil
}

func (m *Memory) VisitsSince(_ context.Context, since time.Time) ([]event.BotVisit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]event.BotVisit, 0, len(m.visits))
	for _, v := range m.visits {
		if !v.CreatedAt.Before(since) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Len reports the number of stored visits.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.visits)
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

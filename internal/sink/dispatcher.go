package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/event"
	"github.com/shortontech/botbeacon/internal/metrics"
)

// Dispatcher fans stored visits out to every sink from a single background
// worker. Emit never blocks the request path; a full queue drops the visit.
type Dispatcher struct {
	sinks   []Sink
	queue   chan event.BotVisit
	metrics *metrics.Metrics
	log     zerolog.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewDispatcher(sinks []Sink, queueSize int, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan event.BotVisit, queueSize),
		metrics: m,
		log:     log,
	}
}

// Start launches the worker. It exits when Close drains the queue.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for v := range d.queue {
			d.deliver(v)
		}
	}()
}

func (d *Dispatcher) deliver(v event.BotVisit) {
	for _, s := range d.sinks {
		if err := s.Enqueue(v); err != nil {
			d.metrics.IncrementSinkErrors(s.Name(), "enqueue")
			d.log.Warn().Err(err).Str("sink", s.Name()).Str("id", v.ID).Msg("sink enqueue failed")
			continue
		}
		d.metrics.IncrementSinkEvents(s.Name())
	}
}

// Emit queues v for the sinks.
func (d *Dispatcher) Emit(v event.BotVisit) {
	if len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- v:
	default:
		d.metrics.IncrementSinkErrors("dispatcher", "queue_full")
		d.log.Warn().Str("id", v.ID).Msg("sink queue full, dropping visit")
	}
}

// Close drains queued visits and closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		for _, s := range d.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

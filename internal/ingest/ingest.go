// Package ingest turns one HTTP request into at most one stored BotVisit.
//
// Every request is classified exactly once. Human requests write nothing;
// bot requests insert a single row and are then mirrored to the sinks.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/cache"
	"github.com/shortontech/botbeacon/internal/classify"
	"github.com/shortontech/botbeacon/internal/event"
	"github.com/shortontech/botbeacon/internal/metrics"
	"github.com/shortontech/botbeacon/internal/store"
	"github.com/shortontech/botbeacon/pkg/visit"
)

// Request is one ingestion attempt.
type Request struct {
	HTTP   *http.Request
	Method string       // event.MethodPost, MethodPixel or MethodProxy
	Event  *visit.Event // nil when the body was absent or unreadable
}

// Outcome reports the classification and what happened to the visit.
type Outcome struct {
	classify.Result
	Stored    bool
	Duplicate bool
	Visit     *event.BotVisit
}

type Service struct {
	classifier  *classify.Classifier
	store       store.Store
	guard       cache.Provider
	dedupWindow time.Duration
	emit        func(event.BotVisit)
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
}

type Option func(*Service)

// WithDedup enables the duplicate guard. A window <= 0 leaves it off.
func WithDedup(guard cache.Provider, window time.Duration) Option {
	return func(s *Service) {
		if guard != nil && window > 0 {
			s.guard = guard
			s.dedupWindow = window
		}
	}
}

// WithEmit sets the callback run after each successful insert.
func WithEmit(fn func(event.BotVisit)) Option {
	return func(s *Service) { s.emit = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs overrides the visit id generator.
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func New(c *classify.Classifier, st store.Store, opts ...Option) *Service {
	s := &Service{
		classifier: c,
		store:      st,
		log:        zerolog.Nop(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classifier exposes the classifier the service uses.
func (s *Service) Classifier() *classify.Classifier { return s.classifier }

// Record classifies req and stores a BotVisit when it is a bot. The
// returned error is non-nil only when the store rejected the insert.
func (s *Service) Record(ctx context.Context, req Request) (Outcome, error) {
	r := req.HTTP
	ua := classify.RequestUserAgent(r)
	res := s.classifier.Classify(ua)
	s.metrics.IncrementClassification(res.IsBot, res.BotType)

	out := Outcome{Result: res}
	if !res.IsBot {
		return out, nil
	}

	v := s.buildVisit(r, req.Method, req.Event, ua, res)

	var key string
	if s.guard != nil {
		key = event.IdempotencyKey(v.IPAddress, v.UserAgent, v.WebsiteURL, v.CreatedAt, s.dedupWindow)
		v.AdditionalData[event.KeyIdempotencyKey] = key
		if !s.guard.SetIfAbsent(key, []byte(v.ID), s.dedupWindow) {
			s.metrics.IncrementDuplicates()
			s.log.Debug().Str("key", key).Str("botType", v.BotType).Msg("duplicate visit skipped")
			out.Duplicate = true
			return out, nil
		}
	}

	if err := s.store.Insert(ctx, v); err != nil {
		if key != "" {
			s.guard.Del(key)
		}
		s.metrics.IncrementStoreErrors(s.store.Name(), "insert")
		s.log.Error().Err(err).Str("store", s.store.Name()).Str("botType", v.BotType).Msg("failed to store visit")
		return out, fmt.Errorf("store visit: %w", err)
	}

	s.metrics.IncrementVisitsStored(req.Method)
	s.log.Debug().
		Str("id", v.ID).
		Str("botType", v.BotType).
		Float64("confidence", v.BotConfidence).
		Str("method", req.Method).
		Str("url", v.WebsiteURL).
		Msg("bot visit stored")

	if s.emit != nil {
		s.emit(v)
	}

	out.Stored = true
	out.Visit = &v
	return out, nil
}

func (s *Service) buildVisit(r *http.Request, method string, ev *visit.Event, ua string, res classify.Result) event.BotVisit {
	data := event.AdditionalData(r, method, ev)
	data[event.KeyTaxonomyVersion] = s.classifier.Version()
	if res.Family != "" {
		data[event.KeyFamily] = res.Family
	}

	return event.BotVisit{
		ID:                    s.newID(),
		CreatedAt:             s.now().UTC(),
		BotType:               res.BotType,
		UserAgent:             ua,
		IPAddress:             event.ClientIP(r),
		WebsiteURL:            event.WebsiteURL(r, ev),
		Referer:               r.Referer(),
		IsBot:                 true,
		BotConfidence:         res.Confidence,
		ClientAutomationScore: event.ClientScore(ev),
		AdditionalData:        data,
	}
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

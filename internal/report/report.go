// Package report rolls stored bot visits up into the dashboard's read
// contract: totals, a time-bucketed timeline and the top bot types.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shortontech/botbeacon/internal/event"
)

var (
	ErrInvalidRange = errors.New("invalid range")
	ErrInvalidType  = errors.New("invalid report type")
)

// Report types.
const (
	TypeOverview = "overview"
	TypeTimeline = "timeline"
	TypeBotTypes = "bot-types"
)

// DefaultTopN is how many bot types the overview lists.
const DefaultTopN = 5

type window struct {
	buckets int
	step    time.Duration
}

var ranges = map[string]window{
	"24h": {buckets: 24, step: time.Hour},
	"7d":  {buckets: 7, step: 24 * time.Hour},
	"30d": {buckets: 30, step: 24 * time.Hour},
	"90d": {buckets: 90, step: 24 * time.Hour},
}

// Source is the read side of a visit store.
type Source interface {
	VisitsSince(ctx context.Context, since time.Time) ([]event.BotVisit, error)
}

// Query selects a report. Empty fields take the defaults 24h and overview.
type Query struct {
	Range string
	Type  string
}

// Normalize fills defaults and rejects unknown selectors.
func (q Query) Normalize() (Query, error) {
	if q.Range == "" {
		q.Range = "24h"
	}
	if q.Type == "" {
		q.Type = TypeOverview
	}
	if _, ok := ranges[q.Range]; !ok {
		return q, fmt.Errorf("%w: %q (want 24h, 7d, 30d or 90d)", ErrInvalidRange, q.Range)
	}
	switch q.Type {
	case TypeOverview, TypeTimeline, TypeBotTypes:
	default:
		return q, fmt.Errorf("%w: %q (want overview, timeline or bot-types)", ErrInvalidType, q.Type)
	}
	return q, nil
}

// CacheKey identifies the report for response caching.
func (q Query) CacheKey() string { return "stats:" + q.Range + ":" + q.Type }

type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

type BotTypeCount struct {
	BotType string  `json:"botType"`
	Count   int     `json:"count"`
	Share   float64 `json:"share"`
}

type Report struct {
	Range            string         `json:"range"`
	Type             string         `json:"type"`
	From             time.Time      `json:"from"`
	To               time.Time      `json:"to"`
	TotalVisits      int            `json:"totalVisits"`
	DistinctBotTypes int            `json:"distinctBotTypes"`
	TopBotType       string         `json:"topBotType,omitempty"`
	Timeline         []Bucket       `json:"timeline,omitempty"`
	BotTypes         []BotTypeCount `json:"botTypes,omitempty"`
}

type Aggregator struct {
	src  Source
	now  func() time.Time
	topN int
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithTopN(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.topN = n
		}
	}
}

func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, now: time.Now, topN: DefaultTopN}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build reads the window's visits and aggregates them. Every report carries
// the totals. Overview adds the top-N bot types, timeline adds the
// zero-filled buckets, and bot-types lists every bot type seen.
func (a *Aggregator) Build(ctx context.Context, q Query) (Report, error) {
	q, err := q.Normalize()
	if err != nil {
		return Report{}, err
	}
	w := ranges[q.Range]

	// Buckets align to UTC hour or day boundaries; the oldest bucket is the
	// one containing now minus the range.
	to := a.now().UTC()
	last := to.Truncate(w.step)
	from := last.Add(-time.Duration(w.buckets-1) * w.step)

	visits, err := a.src.VisitsSince(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("read visits: %w", err)
	}

	rep := Report{Range: q.Range, Type: q.Type, From: from, To: to}

	counts := make(map[string]int)
	timeline := make([]Bucket, w.buckets)
	for i := range timeline {
		timeline[i].Start = from.Add(time.Duration(i) * w.step)
	}
	for _, v := range visits {
		at := v.CreatedAt.UTC()
		if at.Before(from) || at.After(to) {
			continue
		}
		rep.TotalVisits++
		counts[v.BotType]++
		if i := int(at.Sub(from) / w.step); i >= 0 && i < len(timeline) {
			timeline[i].Count++
		}
	}

	ranked := rank(counts, rep.TotalVisits)
	rep.DistinctBotTypes = len(ranked)
	if len(ranked) > 0 {
		rep.TopBotType = ranked[0].BotType
	}

	switch q.Type {
	case TypeOverview:
		if len(ranked) > a.topN {
			ranked = ranked[:a.topN]
		}
		rep.BotTypes = ranked
	case TypeTimeline:
		rep.Timeline = timeline
	case TypeBotTypes:
		rep.BotTypes = ranked
	}
	return rep, nil
}

// rank orders bot types by count, ties broken by name.
func rank(counts map[string]int, total int) []BotTypeCount {
	out := make([]BotTypeCount, 0, len(counts))
	for bt, n := range counts {
		share := 0.0
		if total > 0 {
			share = float64(n) / float64(total)
		}
		out = append(out, BotTypeCount{BotType: bt, Count: n, Share: share})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].BotType < out[j].BotType
	})
	return out
}

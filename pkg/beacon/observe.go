package beacon

import (
	"context"
	"net/http"
	"regexp"

	"github.com/shortontech/botbeacon/pkg/visit"
)

// Generation describes one observed call to a generation endpoint.
type Generation struct {
	Type     string // visit.TypeGenerationStart or visit.TypeGenerationSuccess
	Endpoint string
	Method   string
	Status   int
}

var generationPath = regexp.MustCompile(`(?i)/(api/)?(generate|completions?|chat)(/|$)`)

// IsGenerationEndpoint matches the request paths the collectors watch.
func IsGenerationEndpoint(r *http.Request) bool {
	return r != nil && r.URL != nil && generationPath.MatchString(r.URL.Path)
}

type observingTransport struct {
	next    http.RoundTripper
	match   func(*http.Request) bool
	observe func(Generation)
}

// NewObservingTransport wraps next so that matching requests are reported
// to observe: generation_start before the call and generation_success after
// a 2xx response. Requests and responses pass through unmodified. observe runs
// inline and must not block; Reporter satisfies that. A nil next
// uses http.DefaultTransport; a nil match uses IsGenerationEndpoint.
func NewObservingTransport(next http.RoundTripper, observe func(Generation), match func(*http.Request) bool) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if match == nil {
		match = IsGenerationEndpoint
	}
	return &observingTransport{next: next, match: match, observe: observe}
}

func (o *observingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	watched := o.observe != nil && guard(func() bool { return o.match(req) })
	if !watched {
		return o.next.RoundTrip(req)
	}

	endpoint := req.URL.String()
	o.report(Generation{Type: visit.TypeGenerationStart, Endpoint: endpoint, Method: req.Method})

	resp, err := o.next.RoundTrip(req)
	if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		o.report(Generation{Type: visit.TypeGenerationSuccess, Endpoint: endpoint, Method: req.Method, Status: resp.StatusCode})
	}
	return resp, err
}

// report shields the wrapped call from a panicking observer.
func (o *observingTransport) report(g Generation) {
	guard(func() bool { o.observe(g); return true })
}

// Event turns an observed generation into a visit event.
func (c *Collector) Event(g Generation) visit.Event {
	ev := c.Collect(g.Type)
	ev.Endpoint = g.Endpoint
	ev.Method = g.Method
	ev.Status = g.Status
	return ev
}

const reportQueueSize = 64

// Reporter returns an observer that hands each generation to a background
// worker sending through t, so the observed call never waits on delivery.
// Reports keep their order; a full queue drops the report. The worker exits
// once t is closed.
func Reporter(c *Collector, t *Transport) func(Generation) {
	queue := make(chan Generation, reportQueueSize)
	go func() {
		for {
			select {
			case g := <-queue:
				_, _ = t.Send(context.Background(), c.Event(g))
			case <-t.done:
				return
			}
		}
	}()
	return func(g Generation) {
		select {
		case queue <- g:
		default:
			t.log.Debug().Str("type", g.Type).Msg("report queue full, dropped")
		}
	}
}

package beacon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/pkg/visit"
)

// Tier names a delivery mechanism. It is recorded on the event as Transport.
type Tier string

const (
	TierBeacon Tier = "beacon"
	TierPost   Tier = "post"
	TierPixel  Tier = "pixel"
)

// ErrDropped means every tier failed and the event was discarded.
var ErrDropped = errors.New("beacon: event dropped")

const (
	defaultQueueSize = 64
	defaultTimeout   = 5 * time.Second
)

// Transport delivers events over beacon, then POST, then pixel. The beacon
// tier is a bounded background queue: once an event is queued it is sent
// even if the caller's context is cancelled, like navigator.sendBeacon
// surviving page unload.
type Transport struct {
	endpoint  string
	userAgent string
	client    *http.Client
	log       zerolog.Logger
	now       func() time.Time

	beacon  bool
	queue   chan []byte
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	timeout time.Duration
}

type TransportOption func(*Transport)

// WithHTTPClient sets the client used by every tier.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithoutBeacon disables the beacon tier, as in a browser without sendBeacon.
func WithoutBeacon() TransportOption {
	return func(t *Transport) { t.beacon = false }
}

// WithQueueSize bounds the beacon queue. A full queue falls through to POST.
func WithQueueSize(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.queue = make(chan []byte, n)
		}
	}
}

// WithTransportClock overrides the clock behind the pixel cache-buster.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *Transport) { t.now = now }
}

func NewTransport(cfg Config, opts ...TransportOption) (*Transport, error) {
	endpoint, err := cfg.ResolveEndpoint()
	if err != nil {
		return nil, err
	}
	t := &Transport{
		endpoint:  endpoint,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: defaultTimeout},
		log:       cfg.logger(),
		now:       time.Now,
		beacon:    true,
		queue:     make(chan []byte, defaultQueueSize),
		done:      make(chan struct{}),
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.drain()
	return t, nil
}

// Endpoint is the resolved ingest URL.
func (t *Transport) Endpoint() string { return t.endpoint }

// Send delivers ev and reports the tier that accepted it. When all tiers
// fail it returns ErrDropped; it never returns another error.
func (t *Transport) Send(ctx context.Context, ev visit.Event) (Tier, error) {
	if t.beacon {
		ev.Transport = string(TierBeacon)
		if body, err := json.Marshal(ev); err == nil && t.enqueue(body) {
			t.log.Debug().Str("type", ev.Type).Str("tier", string(TierBeacon)).Msg("sent")
			return TierBeacon, nil
		}
	}

	ev.Transport = string(TierPost)
	if body, err := json.Marshal(ev); err == nil {
		err := t.post(ctx, body, "application/json")
		if err == nil {
			t.log.Debug().Str("type", ev.Type).Str("tier", string(TierPost)).Msg("sent")
			return TierPost, nil
		}
		t.log.Debug().Err(err).Str("type", ev.Type).Msg("post failed, falling back to pixel")
	}

	ev.Transport = string(TierPixel)
	if err := t.pixel(ctx, ev); err != nil {
		t.log.Debug().Err(err).Str("type", ev.Type).Msg("dropped")
		return "", ErrDropped
	}
	t.log.Debug().Str("type", ev.Type).Str("tier", string(TierPixel)).Msg("sent")
	return TierPixel, nil
}

func (t *Transport) enqueue(body []byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.queue <- body:
		return true
	default:
		return false
	}
}

// drain sends queued beacons on a context detached from any caller.
func (t *Transport) drain() {
	defer close(t.done)
	for body := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		// Beacons carry text/plain, which a browser sends without a preflight.
		if err := t.post(ctx, body, "text/plain;charset=UTF-8"); err != nil {
			t.log.Debug().Err(err).Msg("beacon delivery failed")
		}
		cancel()
	}
}

func (t *Transport) post(ctx context.Context, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return t.do(req)
}

func (t *Transport) pixel(ctx context.Context, ev visit.Event) error {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("url", ev.URL)
	q.Set("ref", ev.Referrer)
	q.Set("t", strconv.FormatInt(t.now().UnixMilli(), 10))
	if ev.Type != "" {
		q.Set("type", ev.Type)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	return t.do(req)
}

func (t *Transport) do(req *http.Request) error {
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting beacons and waits for the queue to drain or ctx to
// expire. It is safe to call more than once.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

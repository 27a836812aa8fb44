package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/botbeacon/internal/cache"
	"github.com/shortontech/botbeacon/internal/classify"
	"github.com/shortontech/botbeacon/internal/event"
	"github.com/shortontech/botbeacon/internal/metrics"
	"github.com/shortontech/botbeacon/internal/store"
	"github.com/shortontech/botbeacon/pkg/visit"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, st store.Store, opts ...Option) *Service {
	t.Helper()
	n := 0
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDs(func() string { n++; return "id-" + strconv.Itoa(n) }),
		WithMetrics(metrics.NewMetrics(prometheus.NewRegistry())),
	}
	return New(classify.Default(), st, append(base, opts...)...)
}

func requestWithUA(method, target, ua string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	if ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	return r
}

func TestRecord_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		ua         string
		wantBot    bool
		wantType   string
		wantConf   float64
		wantStored int
	}{
		{"gptbot", "Mozilla/5.0 GPTBot/1.0", true, "GPTBot", 1.0, 1},
		{"ordinary browser", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)", false, "Human", 0.1, 0},
		{"generic scraper", "SomeCustomScraperThing", true, "Generic Bot", 0.8, 1},
		{"no user agent", "", false, "Human", 0.1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			svc := newService(t, mem)

			r := requestWithUA(http.MethodPost, "/api/track", tt.ua)
			if tt.ua == "" {
				r.Header.Del("User-Agent")
			}
			out, err := svc.Record(context.Background(), Request{HTTP: r, Method: event.MethodPost})
			require.NoError(t, err)

			assert.Equal(t, tt.wantBot, out.IsBot)
			assert.Equal(t, tt.wantType, out.BotType)
			assert.Equal(t, tt.wantConf, out.Confidence)
			assert.Equal(t, tt.wantStored, mem.Len())
			assert.Equal(t, tt.wantStored == 1, out.Stored)

			if tt.wantStored == 1 {
				rows, err := mem.VisitsSince(context.Background(), time.Time{})
				require.NoError(t, err)
				assert.Equal(t, tt.wantType, rows[0].BotType)
				assert.Equal(t, tt.wantConf, rows[0].BotConfidence)
				assert.True(t, rows[0].IsBot)
			}
		})
	}
}

func TestRecord_PayloadURL(t *testing.T) {
	mem := store.NewMemory()
	svc := newService(t, mem)

	r := requestWithUA(http.MethodPost, "/api/track", "ClaudeBot")
	r.Header.Set("Referer", "https://search.example/")
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	r.Header.Set("X-Real-IP", "9.9.9.9")
	score := 0.5

	out, err := svc.Record(context.Background(), Request{
		HTTP:   r,
		Method: event.MethodPost,
		Event:  &visit.Event{URL: "https://example.com/page", AutomationScore: &score},
	})
	require.NoError(t, err)
	require.True(t, out.Stored)

	v := out.Visit
	assert.Equal(t, "id-1", v.ID)
	assert.Equal(t, fixedNow, v.CreatedAt)
	assert.Equal(t, "ClaudeBot", v.BotType)
	assert.Equal(t, "ClaudeBot", v.UserAgent)
	assert.Equal(t, "https://example.com/page", v.WebsiteURL)
	assert.Equal(t, "https://search.example/", v.Referer)
	assert.Equal(t, "1.2.3.4", v.IPAddress)
	require.NotNil(t, v.ClientAutomationScore)
	assert.Equal(t, 0.5, *v.ClientAutomationScore)
	assert.Equal(t, 1.0, v.BotConfidence, "client score never changes the server confidence")
	assert.Equal(t, event.MethodPost, v.AdditionalData[event.KeyMethod])
	assert.Equal(t, classify.FamilyAI, v.AdditionalData[event.KeyFamily])
	assert.Equal(t, classify.DefaultVersion, v.AdditionalData[event.KeyTaxonomyVersion])
}

type failingStore struct {
	store.Memory
	err error
}

func (f *failingStore) Insert(context.Context, event.BotVisit) error { return f.err }
func (f *failingStore) Name() string                               { return "failing" }

func TestRecord_StoreFailure(t *testing.T) {
	fs := &failingStore{err: errors.New("disk full")}
	var emitted int
	svc := newService(t, fs, WithEmit(func(event.BotVisit) { emitted++ }))

	out, err := svc.Record(context.Background(), Request{
		HTTP:   requestWithUA(http.MethodPost, "/api/track", "GPTBot"),
		Method: event.MethodPost,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, out.Stored)
	assert.True(t, out.IsBot)
	assert.Zero(t, emitted, "sinks only see stored visits")
}

func TestRecord_HumanWritesNothing(t *testing.T) {
	fs := &failingStore{err: errors.New("must not be called")}
	svc := newService(t, fs)

	out, err := svc.Record(context.Background(), Request{
		HTTP:   requestWithUA(http.MethodGet, "/api/track", "Mozilla/5.0 (Macintosh) Safari/605.1.15"),
		Method: event.MethodPixel,
	})
	require.NoError(t, err)
	assert.False(t, out.IsBot)
	assert.Nil(t, out.Visit)
}

func TestRecord_EmitsAfterInsert(t *testing.T) {
	mem := store.NewMemory()
	var got []event.BotVisit
	svc := newService(t, mem, WithEmit(func(v event.BotVisit) {
		assert.Equal(t, 1, mem.Len(), "emit runs after the insert")
		got = append(got, v)
	}))

	_, err := svc.Record(context.Background(), Request{
		HTTP:   requestWithUA(http.MethodGet, "/api/track?url=https://x.example/", "Bingbot/2.0"),
		Method: event.MethodPixel,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://x.example/", got[0].WebsiteURL)
}

func TestRecord_DedupDisabledStoresEveryRequest(t *testing.T) {
	mem := store.NewMemory()
	svc := newService(t, mem, WithDedup(cache.New(1), 0))

	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), Request{
			HTTP:   requestWithUA(http.MethodPost, "/api/track", "GPTBot"),
			Method: event.MethodPost,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, mem.Len())
}

func TestRecord_DedupWindow(t *testing.T) {
	mem := store.NewMemory()
	svc := newService(t, mem, WithDedup(cache.New(1), time.Minute))

	record := func(url string) Outcome {
		out, err := svc.Record(context.Background(), Request{
			HTTP:   requestWithUA(http.MethodPost, "/api/track", "GPTBot"),
			Method: event.MethodPost,
			Event:  &visit.Event{URL: url},
		})
		require.NoError(t, err)
		return out
	}

	first := record("https://a.example/")
	assert.True(t, first.Stored)
	assert.NotEmpty(t, first.Visit.AdditionalData[event.KeyIdempotencyKey])

	repeat := record("https://a.example/")
	assert.False(t, repeat.Stored)
	assert.True(t, repeat.Duplicate)
	assert.True(t, repeat.IsBot, "duplicates still report the classification")

	other := record("https://b.example/")
	assert.True(t, other.Stored)

	assert.Equal(t, 2, mem.Len())
}

type flakyStore struct {
	store.Memory
	fail bool
}

func (f *flakyStore) Insert(ctx context.Context, v event.BotVisit) error {
	if f.fail {
		return errors.New("transient")
	}
	return f.Memory.Insert(ctx, v)
}

func TestRecord_DedupReleasesKeyOnFailure(t *testing.T) {
	fs := &flakyStore{fail: true}
	svc := newService(t, fs, WithDedup(cache.New(1), time.Minute))
	req := func() Request {
		return Request{HTTP: requestWithUA(http.MethodPost, "/api/track", "GPTBot"), Method: event.MethodPost}
	}

	_, err := svc.Record(context.Background(), req())
	require.Error(t, err)

	fs.fail = false
	out, err := svc.Record(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, out.Stored, "a failed insert must not poison the key")
}

func TestRecord_Concurrent(t *testing.T) {
	mem := store.NewMemory()
	svc := New(classify.Default(), mem)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ua := "Mozilla/5.0 (X11; Linux x86_64)"
			if i%2 == 0 {
				ua = "PerplexityBot/1.0"
			}
			_, err := svc.Record(context.Background(), Request{
				HTTP:   requestWithUA(http.MethodPost, "/api/track", ua),
				Method: event.MethodPost,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, mem.Len())

	rows, err := mem.VisitsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, v := range rows {
		ids[v.ID] = true
	}
	assert.Len(t, ids, 25, "ids are unique")
}

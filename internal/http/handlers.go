package httpx

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/assets"
	"github.com/shortontech/botbeacon/internal/cache"
	"github.com/shortontech/botbeacon/internal/event"
	"github.com/shortontech/botbeacon/internal/ingest"
	"github.com/shortontech/botbeacon/internal/metrics"
	"github.com/shortontech/botbeacon/internal/report"
	cfg "github.com/shortontech/botbeacon/pkg/config"
	"github.com/shortontech/botbeacon/pkg/visit"
)

var pixelPNG = encodePixel()

// encodePixel renders the 1x1 fully transparent PNG served by the pixel tier.
func encodePixel() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic("httpx: encode pixel: " + err.Error())
	}
	return buf.Bytes()
}

const readyTimeout = 2 * time.Second

type Env struct {
	Cfg     cfg.Config
	Ingest  *ingest.Service
	Reports *report.Aggregator
	Cache   cache.Provider // stats responses; nil disables caching
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// IngestResponse is the POST acknowledgement. Its shape does not depend on
// the classification outcome.
type IngestResponse struct {
	Success    bool    `json:"success"`
	Detected   bool    `json:"detected"`
	BotType    string  `json:"botType"`
	Confidence float64 `json:"confidence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz reports ready once the visit store answers a ping.
func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ingest == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := e.Ingest.Ping(ctx); err != nil {
		e.Log.Warn().Err(err).Msg("readiness check failed")
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Track serves the ingestion path: POST takes the JSON event, GET and HEAD
// are the pixel fallback.
func (e Env) Track(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		e.collect(w, r)
	case http.MethodGet, http.MethodHead:
		e.pixel(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (e Env) collect(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	// An oversize or truncated body is treated like a missing one; the
	// request is still classified by its headers.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e.Log.Debug().Int64("limit", tooLarge.Limit).Msg("ignoring oversize ingest body")
		}
		body = nil
	}

	out, err := e.Ingest.Record(r.Context(), ingest.Request{
		HTTP:   r,
		Method: event.MethodPost,
		Event:  decodeEvent(body, e.Log),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to record visit"})
		return
	}

	writeJSON(w, http.StatusOK, IngestResponse{
		Success:    true,
		Detected:   out.IsBot,
		BotType:    out.BotType,
		Confidence: out.Confidence,
	})
}

// decodeEvent parses the optional body. Beacons arrive as text/plain, so the
// content type is not checked, and anything unparseable counts as no payload.
func decodeEvent(body []byte, log zerolog.Logger) *visit.Event {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var ev visit.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed ingest body")
		return nil
	}
	return &ev
}

func (e Env) pixel(w http.ResponseWriter, r *http.Request) {
	// The pixel is returned even when the visit could not be stored; the
	// failure is already logged and counted by the ingest service.
	_, _ = e.Ingest.Record(r.Context(), ingest.Request{HTTP: r, Method: event.MethodPixel})
	writePixel(w, r.Method == http.MethodHead)
}

func writePixel(w http.ResponseWriter, headOnly bool) {
	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	if headOnly {
		return
	}
	_, _ = w.Write(pixelPNG)
}

// ServeCollector serves the embedded collector scripts.
func (e Env) ServeCollector(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var script []byte
	switch r.URL.Path {
	case "/collector.js":
		script = assets.CollectorJS
	case "/collector.extended.js":
		script = assets.CollectorExtendedJS
	}
	if len(script) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(script)
}

// Stats serves GET /api/stats?range=&type=.
func (e Env) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if e.Reports == nil {
		http.Error(w, "stats unavailable", http.StatusNotFound)
		return
	}

	q, err := report.Query{
		Range: r.URL.Query().Get("range"),
		Type:  r.URL.Query().Get("type"),
	}.Normalize()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	e.serveFromCacheOrCompute(w, q.CacheKey(), func() (any, error) {
		return e.Reports.Build(r.Context(), q)
	})
}

func (e Env) serveFromCacheOrCompute(w http.ResponseWriter, cacheKey string, compute func() (any, error)) {
	cached := e.Cache != nil && e.Cfg.StatsCacheTTL > 0
	if cached {
		if data, ok := e.Cache.Get(cacheKey); ok {
			e.Metrics.IncrementStatsCache(true)
			writeRaw(w, http.StatusOK, data)
			return
		}
		e.Metrics.IncrementStatsCache(false)
	}

	result, err := compute()
	if err != nil {
		e.Log.Error().Err(err).Str("key", cacheKey).Msg("failed to build stats")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to build stats"})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to encode stats"})
		return
	}
	if cached {
		e.Cache.Set(cacheKey, data, e.Cfg.StatsCacheTTL)
	}
	writeRaw(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/assets"
	"github.com/shortontech/botbeacon/internal/event"
	"github.com/shortontech/botbeacon/internal/ingest"
	"github.com/shortontech/botbeacon/pkg/visit"
)

const (
	proxyClientTimeout  = 30 * time.Second
	proxyRequestTimeout = 25 * time.Second
)

// ProxyHandler forwards requests to the origin in middleware mode. Each
// request is classified once before it is forwarded.
type ProxyHandler struct {
	destination      *url.URL
	client           *http.Client
	ingest           *ingest.Service
	ingestPath       string
	autoInjectScript bool
	log              zerolog.Logger
}

func NewProxyHandler(destination *url.URL, svc *ingest.Service, ingestPath string, autoInject bool, log zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{
		destination:      destination,
		ingest:           svc,
		ingestPath:       ingestPath,
		autoInjectScript: autoInject,
		log:              log,
		client: &http.Client{
			Timeout: proxyClientTimeout,
			// Redirects are the browser's business.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.ingest != nil {
		if _, err := p.ingest.Record(r.Context(), ingest.Request{
			HTTP:   r,
			Method: event.MethodProxy,
			Event:  &visit.Event{URL: requestURL(r)},
		}); err != nil {
			p.log.Warn().Err(err).Str("path", r.URL.Path).Msg("proxy: failed to record visit")
		}
	}

	target := *p.destination
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), proxyRequestTimeout)
	defer cancel()

	proxyReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		p.log.Error().Err(err).Msg("proxy: failed to create request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	proxyReq.Host = target.Host
	if p.autoInjectScript {
		// Keep HTML bodies in an encoding the injector can rewrite, and never
		// one the client did not ask for.
		if acceptsGzip(r.Header.Values("Accept-Encoding")) {
			proxyReq.Header.Set("Accept-Encoding", "gzip")
		} else {
			proxyReq.Header.Set("Accept-Encoding", "identity")
		}
	}
	proxyReq.ContentLength = r.ContentLength

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		p.log.Error().Err(err).Str("target", target.String()).Msg("proxy: request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if !p.autoInjectScript || r.Method == http.MethodHead || !isHTMLContent(resp.Header.Get("Content-Type")) {
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.log.Debug().Err(err).Msg("proxy: failed to copy response body")
		}
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.log.Error().Err(err).Msg("proxy: failed to read response body")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	final, err := p.rewriteHTML(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		// Serve the origin bytes untouched.
		p.log.Warn().Err(err).Msg("proxy: collector injection skipped")
		final = body
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(final)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(final); err != nil {
		p.log.Debug().Err(err).Msg("proxy: failed to write response body")
	}
}

// rewriteHTML injects the collector, transparently handling gzip bodies.
// Other encodings are left alone.
func (p *ProxyHandler) rewriteHTML(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return injectCollector(body, p.ingestPath), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer zr.Close()
		html, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(injectCollector(html, p.ingestPath)); err != nil {
			return nil, fmt.Errorf("compress body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress body: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// acceptsGzip reports whether an Accept-Encoding header allows gzip. A q=0
// entry is a refusal.
func acceptsGzip(values []string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if name != "gzip" && name != "x-gzip" && name != "*" {
				continue
			}
			if q, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(params)), "q="); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && f == 0 {
					continue
				}
			}
			return true
		}
	}
	return false
}

// requestURL reconstructs the page URL the visitor asked for.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String()
}

func isHTMLContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "application/xhtml+xml") ||
		strings.Contains(ct, "application/xhtml")
}

// collectorSnippet inlines the extended collector so it loads from the
// site's own origin.
func collectorSnippet(ingestPath string) string {
	endpoint, _ := json.Marshal(ingestPath)
	return fmt.Sprintf("<script>window.BotBeaconConfig=window.BotBeaconConfig||{endpoint:%s};</script>\n<script>%s</script>\n",
		endpoint, assets.CollectorExtendedJS)
}

// injectCollector places the snippet before the last </body>, then the last
// </html>, and otherwise appends it.
func injectCollector(body []byte, ingestPath string) []byte {
	snippet := []byte(collectorSnippet(ingestPath))
	lower := bytes.ToLower(body)
	for _, tag := range [][]byte{[]byte("</body>"), []byte("</html>")} {
		if i := bytes.LastIndex(lower, tag); i >= 0 {
			out := make([]byte, 0, len(body)+len(snippet))
			out = append(out, body[:i]...)
			out = append(out, snippet...)
			return append(out, body[i:]...)
		}
	}
	out := make([]byte, 0, len(body)+1+len(snippet))
	out = append(out, body...)
	out = append(out, '\n')
	return append(out, snippet...)
}

// MiddlewareRouter serves tracking paths locally and proxies the rest.
type MiddlewareRouter struct {
	trackingMux   http.Handler
	proxy         http.Handler
	trackingPaths map[string]bool
}

func NewMiddlewareRouter(trackingMux http.Handler, proxy http.Handler, ingestPath string) *MiddlewareRouter {
	return &MiddlewareRouter{
		trackingMux:   trackingMux,
		proxy:         proxy,
		trackingPaths: trackingPaths(ingestPath),
	}
}

func (m *MiddlewareRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m.trackingPaths[r.URL.Path] {
		m.trackingMux.ServeHTTP(w, r)
		return
	}
	m.proxy.ServeHTTP(w, r)
}

func trackingPaths(ingestPath string) map[string]bool {
	return map[string]bool{
		ingestPath:               true,
		"/collector.js":          true,
		"/collector.extended.js": true,
		"/healthz":               true,
		"/readyz":                true,
		"/api/stats":             true,
	}
}

// endpointLabel keeps metric cardinality bounded in middleware mode.
func endpointLabel(paths map[string]bool) func(*http.Request) string {
	return func(r *http.Request) string {
		if paths[r.URL.Path] {
			return r.URL.Path
		}
		return "other"
	}
}

func NewMux(e Env) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc(e.Cfg.IngestPath, e.Track)
	mux.HandleFunc("/collector.js", e.ServeCollector)
	mux.HandleFunc("/collector.extended.js", e.ServeCollector)
	mux.HandleFunc("/api/stats", e.Stats)

	paths := trackingPaths(e.Cfg.IngestPath)
	observe := func(h http.Handler) http.Handler {
		return RequestLogger(e.Log)(MetricsMiddleware(e.Metrics, endpointLabel(paths))(h))
	}

	if e.Cfg.MiddlewareMode && e.Cfg.ForwardDestination != "" {
		dest, err := url.Parse(e.Cfg.ForwardDestination)
		if err != nil || dest.Scheme == "" || dest.Host == "" {
			e.Log.Warn().Str("destination", e.Cfg.ForwardDestination).Msg("invalid FORWARD_DESTINATION, middleware mode disabled")
			return observe(cors(mux))
		}

		e.Log.Info().
			Str("destination", dest.String()).
			Bool("autoInject", e.Cfg.AutoInjectCollector).
			Msg("middleware mode enabled")
		proxy := NewProxyHandler(dest, e.Ingest, e.Cfg.IngestPath, e.Cfg.AutoInjectCollector, e.Log)
		return observe(NewMiddlewareRouter(cors(mux), proxy, e.Cfg.IngestPath))
	}

	return observe(cors(mux))
}

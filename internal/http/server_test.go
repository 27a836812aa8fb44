package httpx

import (
	"bytes"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/internal/assets"
	"github.com/shortontech/botbeacon/internal/event"
)

func TestIsHTMLContent(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/xhtml+xml", true},
		{"  text/html  ", true},
		{"application/json", false},
		{"text/plain", false},
		{"image/png", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			if got := isHTMLContent(tt.ct); got != tt.want {
				t.Errorf("isHTMLContent(%q) = %v, want %v", tt.ct, got, tt.want)
			}
		})
	}
}

func TestInjectCollector(t *testing.T) {
	snippet := collectorSnippet("/api/track")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "before closing body",
			input: "<html><body><p>hi</p></body></html>",
			want:  "<html><body><p>hi</p>" + snippet + "</body></html>",
		},
		{
			name:  "uppercase body tag",
			input: "<HTML><BODY>x</BODY></HTML>",
			want:  "<HTML><BODY>x" + snippet + "</BODY></HTML>",
		},
		{
			name:  "only the last body tag",
			input: "<body><pre>&lt;/body&gt;</body></pre></body>",
			want:  "<body><pre>&lt;/body&gt;</body></pre>" + snippet + "</body>",
		},
		{
			name:  "falls back to html tag",
			input: "<html><p>no body</p></html>",
			want:  "<html><p>no body</p>" + snippet + "</html>",
		},
		{
			name:  "appends when no tags",
			input: "<p>fragment</p>",
			want:  "<p>fragment</p>\n" + snippet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(injectCollector([]byte(tt.input), "/api/track"))
			if got != tt.want {
				t.Errorf("injectCollector() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestCollectorSnippet(t *testing.T) {
	s := collectorSnippet(`/api/"track"`)
	if !strings.Contains(s, `{endpoint:"/api/\"track\""}`) {
		t.Errorf("endpoint not JSON-quoted: %s", s[:120])
	}
	if !strings.Contains(s, string(assets.CollectorExtendedJS)) {
		t.Error("snippet should inline the extended collector")
	}
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"plain http", func(r *http.Request) {}, "http://shop.example/cart?id=1"},
		{"tls", func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, "https://shop.example/cart?id=1"},
		{"forwarded proto", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https") }, "https://shop.example/cart?id=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://shop.example/cart?id=1", nil)
			tt.setup(r)
			if got := requestURL(r); got != tt.want {
				t.Errorf("requestURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTrackingPaths(t *testing.T) {
	paths := trackingPaths("/t")
	for _, p := range []string{"/t", "/collector.js", "/collector.extended.js", "/healthz", "/readyz", "/api/stats"} {
		if !paths[p] {
			t.Errorf("%s should be a tracking path", p)
		}
	}
	for _, p := range []string{"/", "/api/track", "/about", "/collector.js/x"} {
		if paths[p] {
			t.Errorf("%s should be proxied", p)
		}
	}
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *url.URL {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestProxyHandlerServeHTTP(t *testing.T) {
	t.Run("forwards path query and headers", func(t *testing.T) {
		var got *http.Request
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(r.Context())
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("created"))
		})
		te := newTestEnv(t)
		p := NewProxyHandler(dest, te.Ingest, "/api/track", true, zerolog.Nop())

		req := httptest.NewRequest(http.MethodPost, "/items?x=1", strings.NewReader("payload"))
		req.Header.Set("X-Custom", "v")
		w := httptest.NewRecorder()
		p.ServeHTTP(w, req)

		if w.Code != http.StatusCreated || w.Body.String() != "created" {
			t.Errorf("got %d %q", w.Code, w.Body.String())
		}
		if w.Header().Get("X-Upstream") != "yes" {
			t.Error("upstream header not copied")
		}
		if got.URL.Path != "/items" || got.URL.RawQuery != "x=1" || got.Header.Get("X-Custom") != "v" {
			t.Errorf("upstream saw %s?%s headers=%v", got.URL.Path, got.URL.RawQuery, got.Header)
		}
	})

	t.Run("classifies each request once", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89})
		})
		te := newTestEnv(t)
		p := NewProxyHandler(dest, te.Ingest, "/api/track", false, zerolog.Nop())

		for _, ua := range []string{"Bytespider", "Mozilla/5.0 (X11; Linux x86_64)"} {
			req := httptest.NewRequest(http.MethodGet, "http://site.example/logo.png", nil)
			req.Header.Set("User-Agent", ua)
			p.ServeHTTP(httptest.NewRecorder(), req)
		}

		rows := te.stored(t)
		if len(rows) != 1 {
			t.Fatalf("stored %d visits, want 1", len(rows))
		}
		if rows[0].AdditionalData[event.KeyMethod] != event.MethodProxy {
			t.Errorf("method = %v, want proxy", rows[0].AdditionalData[event.KeyMethod])
		}
		if rows[0].WebsiteURL != "http://site.example/logo.png" {
			t.Errorf("websiteUrl = %q", rows[0].WebsiteURL)
		}
	})

	t.Run("injects into html", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>hello</body></html>"))
		})
		p := NewProxyHandler(dest, nil, "/api/track", true, zerolog.Nop())

		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		body := w.Body.String()
		if !strings.Contains(body, "BotBeaconConfig") || !strings.HasSuffix(body, "</body></html>") {
			t.Errorf("collector not injected before </body>: %.80s", body)
		}
		if w.Header().Get("Content-Length") != strconv.Itoa(len(body)) {
			t.Errorf("Content-Length = %s, body is %d bytes", w.Header().Get("Content-Length"), len(body))
		}
	})

	t.Run("injects into gzip html", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept-Encoding") != "gzip" {
				t.Errorf("Accept-Encoding = %q, want gzip", r.Header.Get("Accept-Encoding"))
			}
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write([]byte("<html><body>zipped</body></html>"))
			_ = zw.Close()
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write(buf.Bytes())
		})
		p := NewProxyHandler(dest, nil, "/api/track", true, zerolog.Nop())

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", "br, gzip")
		w := httptest.NewRecorder()
		p.ServeHTTP(w, req)

		zr, err := gzip.NewReader(w.Body)
		if err != nil {
			t.Fatalf("response is not gzip: %v", err)
		}
		html, _ := io.ReadAll(zr)
		if !bytes.Contains(html, []byte("BotBeaconConfig")) || !bytes.Contains(html, []byte("zipped")) {
			t.Errorf("decompressed body = %.80s", html)
		}
	})

	t.Run("client without gzip is not sent gzip", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			if ae := r.Header.Get("Accept-Encoding"); ae != "identity" {
				t.Errorf("Accept-Encoding = %q, want identity", ae)
			}
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		})
		p := NewProxyHandler(dest, nil, "/api/track", true, zerolog.Nop())

		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/logo.png", nil))
		if ce := w.Header().Get("Content-Encoding"); ce != "" {
			t.Errorf("Content-Encoding = %q, want none", ce)
		}
		if w.Body.String() != "\x89PNG" {
			t.Errorf("body = %q", w.Body.String())
		}
	})

	t.Run("corrupt gzip is passed through", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write([]byte("not gzip"))
		})
		p := NewProxyHandler(dest, nil, "/api/track", true, zerolog.Nop())

		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Body.String() != "not gzip" {
			t.Errorf("body = %q, want origin bytes", w.Body.String())
		}
	})

	t.Run("injection disabled leaves html alone", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<body></body>"))
		})
		p := NewProxyHandler(dest, nil, "/api/track", false, zerolog.Nop())

		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Body.String() != "<body></body>" {
			t.Errorf("body = %q", w.Body.String())
		}
	})

	t.Run("unreachable origin is 502", func(t *testing.T) {
		dest, _ := url.Parse("http://127.0.0.1:1")
		p := NewProxyHandler(dest, nil, "/api/track", true, zerolog.Nop())

		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusBadGateway {
			t.Errorf("status code = %d, want 502", w.Code)
		}
	})
}

func TestMiddlewareRouterServeHTTP(t *testing.T) {
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("local")) })
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("proxy")) })
	router := NewMiddlewareRouter(local, proxy, "/api/track")

	tests := map[string]string{
		"/api/track":    "local",
		"/collector.js": "local",
		"/healthz":      "local",
		"/api/stats":    "local",
		"/":             "proxy",
		"/api/other":    "proxy",
	}
	for path, want := range tests {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Body.String() != want {
				t.Errorf("%s served by %q, want %q", path, w.Body.String(), want)
			}
		})
	}
}

func TestNewMux(t *testing.T) {
	t.Run("standalone routes", func(t *testing.T) {
		te := newTestEnv(t)
		h := NewMux(te.Env)

		for path, want := range map[string]int{
			"/healthz":      http.StatusOK,
			"/readyz":       http.StatusOK,
			"/api/track":    http.StatusOK,
			"/collector.js": http.StatusOK,
			"/api/stats":    http.StatusOK,
			"/nope":         http.StatusNotFound,
		} {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != want {
				t.Errorf("GET %s = %d, want %d", path, w.Code, want)
			}
		}
	})

	t.Run("middleware mode proxies unknown paths", func(t *testing.T) {
		dest := newUpstream(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("origin")) })
		te := newTestEnv(t)
		te.Cfg.MiddlewareMode = true
		te.Cfg.ForwardDestination = dest.String()
		h := NewMux(te.Env)

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pricing", nil))
		if w.Body.String() != "origin" {
			t.Errorf("body = %q, want origin", w.Body.String())
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("proxied responses should not get CORS headers")
		}

		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if w.Body.String() != "ok" {
			t.Errorf("/healthz body = %q, want ok", w.Body.String())
		}
	})

	t.Run("invalid destination disables middleware mode", func(t *testing.T) {
		te := newTestEnv(t)
		te.Cfg.MiddlewareMode = true
		te.Cfg.ForwardDestination = "not a url"
		h := NewMux(te.Env)

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pricing", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status code = %d, want 404", w.Code)
		}
	})
}


func TestAcceptsGzip(t *testing.T) {
	tests := []struct {
		values []string
		want   bool
	}{
		{nil, false},
		{[]string{""}, false},
		{[]string{"gzip"}, true},
		{[]string{"br, gzip;q=0.8"}, true},
		{[]string{"deflate", "GZIP"}, true},
		{[]string{"*"}, true},
		{[]string{"br"}, false},
		{[]string{"identity"}, false},
		{[]string{"gzip;q=0"}, false},
		{[]string{"gzip; q=0.000, br"}, false},
	}
	for _, tt := range tests {
		if got := acceptsGzip(tt.values); got != tt.want {
			t.Errorf("acceptsGzip(%q) = %v, want %v", tt.values, got, tt.want)
		}
	}
}

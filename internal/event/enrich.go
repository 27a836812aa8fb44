package event

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shortontech/botbeacon/internal/event/detection"
	"github.com/shortontech/botbeacon/pkg/visit"
)

// Unknown is stored when the IP or page URL cannot be derived.
const Unknown = "unknown"

// ClientIP is a best-effort, spoofable client address: the first
// X-Forwarded-For entry, then X-Real-IP, then "unknown". A blank first entry
// (", 5.6.7.8") counts as no X-Forwarded-For; later entries are never used.
// RemoteAddr is not consulted.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return Unknown
}

// WebsiteURL picks the monitored page: the payload URL, then the pixel's
// url query parameter, then the Referer header.
func WebsiteURL(r *http.Request, ev *visit.Event) string {
	if ev != nil && strings.TrimSpace(ev.URL) != "" {
		return ev.URL
	}
	if r.URL != nil {
		if u := strings.TrimSpace(r.URL.Query().Get("url")); u != "" {
			return u
		}
	}
	if ref := r.Referer(); ref != "" {
		return ref
	}
	return Unknown
}

// ClientReferrer is document.referrer as the collector saw it: the payload
// field, or the pixel's ref parameter.
func ClientReferrer(r *http.Request, ev *visit.Event) string {
	if ev != nil && ev.Referrer != "" {
		return ev.Referrer
	}
	if r.URL != nil {
		return r.URL.Query().Get("ref")
	}
	return ""
}

// AdditionalData assembles the free-form attribute bag for a visit.
func AdditionalData(r *http.Request, method string, ev *visit.Event) map[string]any {
	ua := r.Header.Get("User-Agent")
	hints := detection.AnalyzeUserAgent(ua)
	headers := detection.AnalyzeHeaders(r.Header)

	data := map[string]any{
		KeyMethod:            method,
		KeyHeaderFingerprint: detection.HeaderFingerprint(r.Header),
	}
	setIf(data, KeyClientReferrer, ClientReferrer(r, ev))
	setIf(data, KeyBrowser, hints.Browser)
	setIf(data, KeyOS, hints.Platform)
	setIf(data, KeyDevice, hints.Device)
	if len(headers.MissingExpected) > 0 {
		data[KeyMissingHeaders] = headers.MissingExpected
	}
	if len(headers.AutomationHeaders) > 0 {
		data[KeyAutomationHeaders] = headers.AutomationHeaders
	}

	eventType := visit.TypePageview
	if ev != nil {
		if ev.Type != "" {
			eventType = ev.Type
		}
		setIf(data, KeyTransport, ev.Transport)
		setIf(data, KeyClientTimestamp, ev.Timestamp)
		setIf(data, KeyEndpoint, ev.Endpoint)
		if ev.DurationMs > 0 {
			data[KeyDurationMs] = ev.DurationMs
		}
		if cs := ev.ClientSignals; cs != nil {
			data[KeyClientSignals] = map[string]any{
				"screen":        cs.Screen,
				"viewport":      cs.Viewport,
				"colorDepth":    cs.ColorDepth,
				"language":      cs.Language,
				"platform":      cs.Platform,
				"cookieEnabled": cs.CookieEnabled,
				"timezone":      cs.Timezone,
			}
			if cs.Automation != nil {
				data[KeyAutomationSignals] = *cs.Automation
			}
		}
	} else if r.URL != nil {
		if t := r.URL.Query().Get("type"); t != "" {
			eventType = t
		}
	}
	data[KeyEventType] = eventType
	return data
}

// ClientScore returns the collector's automation score, computing it from
// the raw signals when the collector sent signals but no score.
func ClientScore(ev *visit.Event) *float64 {
	if ev == nil {
		return nil
	}
	if ev.AutomationScore != nil {
		s := *ev.AutomationScore
		return &s
	}
	if ev.ClientSignals != nil && ev.ClientSignals.Automation != nil {
		s := ev.ClientSignals.Automation.Score()
		return &s
	}
	return nil
}

// IdempotencyKey hashes IP, UA and URL with a coarse time bucket so repeats
// of the same page view within one window share a key.
func IdempotencyKey(ip, ua, websiteURL string, at time.Time, window time.Duration) string {
	bucket := at.Unix()
	if window > 0 {
		bucket = at.Truncate(window).Unix()
	}
	sum := sha256.Sum256([]byte(ip + "|" + ua + "|" + websiteURL + "|" + strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(sum[:16])
}

func setIf(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

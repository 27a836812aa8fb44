// Package visit defines the wire contract between collectors and the
// ingestion endpoint. Optional fields are omitted when empty.
package visit

// Event types emitted by the collectors.
const (
	TypePageview          = "pageview"
	TypeAutomation        = "automation"
	TypeSessionEnd        = "session_end"
	TypeGenerationStart   = "generation_start"
	TypeGenerationSuccess = "generation_success"
)

// Event is one client-observed page view (or a sub-event of it).
type Event struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // ISO8601, client clock

	ClientSignals   *ClientSignals `json:"clientSignals,omitempty"`
	AutomationScore *float64       `json:"automationScore,omitempty"`

	// Transport is the delivery tier that carried this event, set by the sender.
	Transport string `json:"transport,omitempty"`

	// session_end
	DurationMs int64 `json:"durationMs,omitempty"`

	// generation_start / generation_success
	Endpoint string `json:"endpoint,omitempty"`
	Method   string `json:"method,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// ClientSignals are the navigator/screen/timezone fields a collector reads.
type ClientSignals struct {
	UserAgent     string `json:"userAgent,omitempty"`
	Screen        string `json:"screen,omitempty"`   // "WxH"
	Viewport      string `json:"viewport,omitempty"` // "WxH"
	ColorDepth    int    `json:"colorDepth,omitempty"`
	Language      string `json:"language,omitempty"`
	Platform      string `json:"platform,omitempty"`
	CookieEnabled bool   `json:"cookieEnabled"`
	Timezone      string `json:"timezone,omitempty"`

	Automation *AutomationSignals `json:"automation,omitempty"`
}

// AutomationSignals is the extended collector's heuristic checklist.
// Every field is true when the indicator fired.
type AutomationSignals struct {
	Webdriver        bool `json:"webdriver"`
	AutomationGlobal bool `json:"automationGlobal"`
	SuspiciousUA     bool `json:"suspiciousUA"`
	NoWebGL          bool `json:"noWebGL"`
	NoPlugins        bool `json:"noPlugins"`
	NoLanguages      bool `json:"noLanguages"`

	// Headless summarizes webdriver or an automation global.
	Headless bool `json:"headless"`
}

// Indicators returns the checklist in a fixed order.
func (a AutomationSignals) Indicators() []bool {
	return []bool{
		a.Webdriver,
		a.AutomationGlobal,
		a.SuspiciousUA,
		a.NoWebGL,
		a.NoPlugins,
		a.NoLanguages,
	}
}

// Count returns how many indicators fired.
func (a AutomationSignals) Count() int {
	n := 0
	for _, v := range a.Indicators() {
		if v {
			n++
		}
	}
	return n
}

// Score is the fraction of fired indicators, in [0, 1].
func (a AutomationSignals) Score() float64 {
	ind := a.Indicators()
	return float64(a.Count()) / float64(len(ind))
}

// SuspiciousUAKeywords are the bot, crawler and AI-vendor substrings the
// extended collector looks for in navigator.userAgent.
var SuspiciousUAKeywords = []string{
	"bot", "crawler", "spider", "scraper", "headless",
	"gpt", "claude", "anthropic", "openai", "perplexity",
	"cohere", "bytespider", "ccbot", "diffbot",
}

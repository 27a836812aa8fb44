package beacon

import (
	"strconv"
	"strings"
	"time"

	"github.com/shortontech/botbeacon/pkg/visit"
)

// Environment is what a collector can observe about the page it runs in.
// Any method may fail or panic; the collector treats that as a negative
// signal and keeps going.
type Environment interface {
	Location() string
	Referrer() string
	Navigator() Navigator
	Screen() Screen
	Timezone() (string, error)

	// HasGlobal reports whether a named global is defined on the page.
	HasGlobal(name string) bool
	// WebGL reports whether a WebGL context can be created.
	WebGL() (bool, error)
}

type Navigator struct {
	UserAgent     string
	Language      string
	Languages     []string
	Platform      string
	CookieEnabled bool
	Webdriver     bool
	PluginCount   int
}

type Screen struct {
	Width, Height                 int
	ViewportWidth, ViewportHeight int
	ColorDepth                    int
}

// StaticEnvironment is a fixed Environment for servers, tests and replay.
type StaticEnvironment struct {
	URL         string
	Ref         string
	Nav         Navigator
	Display     Screen
	TZ          string
	Globals     []string
	HasWebGL    bool
	WebGLErr    error
	TimezoneErr error
}

func (e StaticEnvironment) Location() string     { return e.URL }
func (e StaticEnvironment) Referrer() string     { return e.Ref }
func (e StaticEnvironment) Navigator() Navigator { return e.Nav }
func (e StaticEnvironment) Screen() Screen       { return e.Display }

func (e StaticEnvironment) Timezone() (string, error) { return e.TZ, e.TimezoneErr }

func (e StaticEnvironment) HasGlobal(name string) bool {
	for _, g := range e.Globals {
		if g == name {
			return true
		}
	}
	return false
}

func (e StaticEnvironment) WebGL() (bool, error) {
	if e.WebGLErr != nil {
		return false, e.WebGLErr
	}
	return e.HasWebGL, nil
}

// AutomationGlobals are page globals left behind by automation frameworks.
var AutomationGlobals = []string{
	"__nightmare", "_phantom", "callPhantom", "__selenium_unwrapped",
	"__webdriver_evaluate", "__driver_evaluate", "domAutomation", "domAutomationController",
}

type Mode int

const (
	// Minimal sends page context and navigator/screen signals only.
	Minimal Mode = iota
	// Extended adds the automation checklist and client score.
	Extended
)

type Collector struct {
	mode    Mode
	env     Environment
	now     func() time.Time
	started time.Time
}

type CollectorOption func(*Collector)

// WithCollectorClock overrides the clock used for timestamps and session length.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

func NewCollector(mode Mode, env Environment, opts ...CollectorOption) *Collector {
	c := &Collector{mode: mode, env: env, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// Pageview builds the event sent once per page load.
func (c *Collector) Pageview() visit.Event { return c.Collect(visit.TypePageview) }

// Initial builds what a page load sends: the pageview and, for the extended
// collector when any automation indicator fired, an automation event carrying
// the same signals.
func (c *Collector) Initial() []visit.Event {
	pv := c.Pageview()
	events := []visit.Event{pv}
	if ev, ok := automationFrom(pv); ok {
		events = append(events, ev)
	}
	return events
}

// AutomationEvent builds the automation event. It reports false when the
// collector is minimal or no indicator fired.
func (c *Collector) AutomationEvent() (visit.Event, bool) {
	return automationFrom(c.Collect(visit.TypeAutomation))
}

func automationFrom(ev visit.Event) (visit.Event, bool) {
	if ev.ClientSignals == nil || ev.ClientSignals.Automation == nil || ev.ClientSignals.Automation.Count() == 0 {
		return visit.Event{}, false
	}
	ev.Type = visit.TypeAutomation
	return ev, true
}

// SessionEnd builds the unload event carrying the time spent on the page.
func (c *Collector) SessionEnd() visit.Event {
	ev := c.Collect(visit.TypeSessionEnd)
	ev.DurationMs = c.now().Sub(c.started).Milliseconds()
	return ev
}

// Collect builds an event of the given type from the current environment.
func (c *Collector) Collect(eventType string) visit.Event {
	ev := visit.Event{
		Type:      eventType,
		URL:       safeString(c.env.Location),
		Referrer:  safeString(c.env.Referrer),
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
	}
	cs := c.signals()
	if c.mode == Extended {
		a := c.Automation()
		cs.Automation = &a
		score := a.Score()
		ev.AutomationScore = &score
	}
	ev.ClientSignals = &cs
	return ev
}

func (c *Collector) signals() visit.ClientSignals {
	var cs visit.ClientSignals
	guard(func() bool {
		n := c.env.Navigator()
		cs.UserAgent = n.UserAgent
		cs.Language = n.Language
		cs.Platform = n.Platform
		cs.CookieEnabled = n.CookieEnabled
		return true
	})
	guard(func() bool {
		s := c.env.Screen()
		cs.Screen = dims(s.Width, s.Height)
		cs.Viewport = dims(s.ViewportWidth, s.ViewportHeight)
		cs.ColorDepth = s.ColorDepth
		return true
	})
	guard(func() bool {
		tz, err := c.env.Timezone()
		if err != nil {
			return false
		}
		cs.Timezone = tz
		return true
	})
	return cs
}

// Automation runs the extended checklist. A check that fails or panics
// reports the indicator as not fired, except WebGL where a failed context
// means WebGL is unavailable.
func (c *Collector) Automation() visit.AutomationSignals {
	var ua string
	guard(func() bool { ua = strings.ToLower(c.env.Navigator().UserAgent); return true })

	a := visit.AutomationSignals{
		Webdriver: guard(func() bool { return c.env.Navigator().Webdriver }),
		AutomationGlobal: guard(func() bool {
			for _, g := range AutomationGlobals {
				if c.env.HasGlobal(g) {
					return true
				}
			}
			return false
		}),
		SuspiciousUA: guard(func() bool {
			for _, kw := range visit.SuspiciousUAKeywords {
				if strings.Contains(ua, kw) {
					return true
				}
			}
			return false
		}),
		NoWebGL: !guard(func() bool {
			ok, err := c.env.WebGL()
			return err == nil && ok
		}),
		NoPlugins:   guard(func() bool { return c.env.Navigator().PluginCount == 0 }),
		NoLanguages: guard(func() bool { return len(c.env.Navigator().Languages) == 0 }),
	}
	a.Headless = a.Webdriver || a.AutomationGlobal
	return a
}

// guard runs fn, turning a panic into false.
func guard(fn func() bool) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}

func safeString(fn func() string) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return fn()
}

func dims(w, h int) string {
	if w <= 0 && h <= 0 {
		return ""
	}
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

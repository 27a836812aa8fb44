package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/botbeacon/pkg/beacon"
)

// sampleVisitor is one synthetic client replayed in test mode.
type sampleVisitor struct {
	name string
	mode beacon.Mode
	env  beacon.StaticEnvironment
}

// generateTestVisitors returns a mix of AI crawlers, a generic scraper, a
// plain browser and a headless browser.
func generateTestVisitors() []sampleVisitor {
	browser := beacon.Navigator{
		Language:      "en-US",
		Languages:     []string{"en-US", "en"},
		Platform:      "Win32",
		CookieEnabled: true,
		PluginCount:   3,
	}
	display := beacon.Screen{Width: 1920, Height: 1080, ViewportWidth: 1280, ViewportHeight: 720, ColorDepth: 24}

	crawler := func(name, ua, page string) sampleVisitor {
		return sampleVisitor{
			name: name,
			mode: beacon.Minimal,
			env: beacon.StaticEnvironment{
				URL: page,
				Nav: beacon.Navigator{UserAgent: ua},
			},
		}
	}

	human := browser
	human.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	headless := browser
	headless.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/124.0 Safari/537.36"
	headless.Webdriver = true
	headless.PluginCount = 0
	headless.Languages = nil

	return []sampleVisitor{
		crawler("gptbot", "Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko; compatible; GPTBot/1.2; +https://openai.com/gptbot)", "https://example.com/docs"),
		crawler("claudebot", "Mozilla/5.0 (compatible; ClaudeBot/1.0; +claudebot@anthropic.com)", "https://example.com/blog/post-1"),
		crawler("perplexitybot", "Mozilla/5.0 (compatible; PerplexityBot/1.0; +https://perplexity.ai/perplexitybot)", "https://example.com/pricing"),
		crawler("scraper", "AcmeDataScraper/3.1", "https://example.com/products"),
		{
			name: "human",
			mode: beacon.Minimal,
			env: beacon.StaticEnvironment{
				URL:      "https://example.com/",
				Ref:      "https://search.example/?q=botbeacon",
				Nav:      human,
				Display:  display,
				TZ:       "Europe/Berlin",
				HasWebGL: true,
			},
		},
		{
			name: "headless",
			mode: beacon.Extended,
			env: beacon.StaticEnvironment{
				URL:     "https://example.com/login",
				Nav:     headless,
				Display: display,
				TZ:      "UTC",
				Globals: []string{"domAutomation"},
			},
		},
	}
}

// runTestMode waits for the local server, then replays every sample visitor
// against endpoint. Each visitor gets its own transport so its user agent
// reaches the classifier.
func runTestMode(ctx context.Context, endpoint string, log zerolog.Logger) {
	log.Info().Str("endpoint", endpoint).Msg("test mode enabled, replaying sample visitors")

	if !waitUntilHealthy(ctx, endpoint, 5*time.Second) {
		log.Error().Msg("server did not become healthy, skipping test visitors")
		return
	}

	sent := 0
	for i, v := range generateTestVisitors() {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			time.Sleep(200 * time.Millisecond)
		}
		if replayVisitor(ctx, endpoint, v, log) {
			sent++
		}
	}
	log.Info().Int("sent", sent).Msg("test visitors replayed")
}

func replayVisitor(ctx context.Context, endpoint string, v sampleVisitor, log zerolog.Logger) bool {
	tr, err := beacon.NewTransport(beacon.Config{
		Endpoint:  endpoint,
		UserAgent: v.env.Nav.UserAgent,
	}, beacon.WithoutBeacon())
	if err != nil {
		log.Error().Err(err).Str("visitor", v.name).Msg("transport")
		return false
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Close(closeCtx)
	}()

	c := beacon.NewCollector(v.mode, v.env)
	for _, ev := range c.Initial() {
		tier, err := tr.Send(ctx, ev)
		if err != nil {
			log.Warn().Err(err).Str("visitor", v.name).Str("type", ev.Type).Msg("test visitor dropped")
			return false
		}
		log.Info().Str("visitor", v.name).Str("type", ev.Type).Str("tier", string(tier)).Msg("test visitor sent")
	}
	return true
}

func waitUntilHealthy(ctx context.Context, endpoint string, limit time.Duration) bool {
	host, port, ok := endpointHostPort(endpoint)
	if !ok {
		return false
	}
	deadline := time.Now().Add(limit)
	for {
		if performHealthCheck(host, port) == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

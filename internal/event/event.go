package event

import "time"

// BotVisit is the persisted record for a request classified as automated.
// Human requests never become a BotVisit.
type BotVisit struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"` // server receipt time
	BotType       string    `json:"botType"`
	UserAgent     string    `json:"userAgent"`
	IPAddress     string    `json:"ipAddress"`
	WebsiteURL    string    `json:"websiteUrl"`
	Referer       string    `json:"referer"`
	IsBot         bool      `json:"isBot"`
	BotConfidence float64   `json:"botConfidence"`

	// ClientAutomationScore is the collector's own heuristic score. It is
	// reported next to BotConfidence and never merged into it.
	ClientAutomationScore *float64 `json:"clientAutomationScore,omitempty"`

	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// Ingestion methods recorded under AdditionalData["method"].
const (
	MethodPost  = "post"
	MethodPixel = "pixel"
	MethodProxy = "proxy"
)

// Keys used in AdditionalData.
const (
	KeyMethod            = "method"
	KeyTransport         = "transport"
	KeyEventType         = "eventType"
	KeyBrowser           = "browser"
	KeyOS                = "os"
	KeyDevice            = "device"
	KeyFamily            = "family"
	KeyTaxonomyVersion   = "taxonomyVersion"
	KeyHeaderFingerprint = "headerFingerprint"
	KeyMissingHeaders    = "missingHeaders"
	KeyAutomationHeaders = "automationHeaders"
	KeyAutomationSignals = "automationSignals"
	KeyClientSignals     = "clientSignals"
	KeyIdempotencyKey    = "idempotencyKey"
	KeyClientTimestamp   = "clientTimestamp"
	KeyClientReferrer    = "clientReferrer"
	KeyDurationMs        = "durationMs"
	KeyEndpoint          = "endpoint"

	// KeyRawFields maps a column name to the base64 of its original bytes
	// when a store had to replace invalid UTF-8 in it.
	KeyRawFields = "rawFields"
)

package detection

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var expectedHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"}

// AnalyzeHeaders reports missing browser headers and automation markers.
func AnalyzeHeaders(headers http.Header) HeaderAnalysis {
	analysis := HeaderAnalysis{
		MissingExpected:   []string{},
		AutomationHeaders: []string{},
		HeaderOrder:       []string{},
		HeaderCount:       len(headers),
	}

	for key := range headers {
		analysis.HeaderOrder = append(analysis.HeaderOrder, strings.ToLower(key))
	}
	sort.Strings(analysis.HeaderOrder)

	analysis.AutomationHeaders = detectAutomationHeaders(headers)
	analysis.MissingExpected = checkMissingHeaders(headers)

	return analysis
}

func detectAutomationHeaders(headers http.Header) []string {
	automationHeaders := []string{}

	// Automation tool names in any header value
	keywords := []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, header := range keys {
		for _, value := range headers[header] {
			lowerValue := strings.ToLower(value)
			for _, keyword := range keywords {
				if strings.Contains(lowerValue, keyword) {
					automationHeaders = append(automationHeaders, fmt.Sprintf("%s: %s", header, value))
					break
				}
			}
		}
	}

	// Headers whose presence alone marks tooling or prefetch
	for _, header := range []string{"X-Devtools-Emulate-Network-Conditions-Client-Id", "X-Purpose", "Purpose"} {
		if value := headers.Get(header); value != "" {
			automationHeaders = append(automationHeaders, fmt.Sprintf("%s: %s", header, value))
		}
	}

	return automationHeaders
}

func checkMissingHeaders(headers http.Header) []string {
	missing := []string{}
	for _, expected := range expectedHeaders {
		if headers.Get(expected) == "" {
			missing = append(missing, expected)
		}
	}
	return missing
}

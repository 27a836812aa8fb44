package detection

import (
	"strings"
)

var automationKeywords = []string{
	"headless", "selenium", "webdriver", "puppeteer",
	"playwright", "phantom", "jsdom", "nightmare",
	"chrome-headless", "automated",
}

// AnalyzeUserAgent extracts display hints from a User-Agent string. These
// hints feed AdditionalData only; they never influence classification.
func AnalyzeUserAgent(userAgent string) UAHints {
	hints := UAHints{
		Length:             len(userAgent),
		AutomationKeywords: []string{},
	}

	lowerUA := strings.ToLower(userAgent)

	for _, keyword := range automationKeywords {
		if strings.Contains(lowerUA, keyword) {
			hints.ContainsAutomation = true
			hints.AutomationKeywords = append(hints.AutomationKeywords, keyword)
		}
	}

	hints.Platform = extractPlatform(lowerUA)
	hints.Browser = extractBrowser(lowerUA)
	hints.Device = extractDevice(lowerUA)

	return hints
}

func extractPlatform(lowerUA string) string {
	// iOS UAs contain "Mac OS X", so check mobile platforms first
	if strings.Contains(lowerUA, "iphone") || strings.Contains(lowerUA, "ipad") {
		return "iOS"
	} else if strings.Contains(lowerUA, "android") {
		return "Android"
	} else if strings.Contains(lowerUA, "windows") {
		return "Windows"
	} else if strings.Contains(lowerUA, "mac") {
		return "macOS"
	} else if strings.Contains(lowerUA, "cros") {
		return "ChromeOS"
	} else if strings.Contains(lowerUA, "linux") {
		return "Linux"
	}
	return ""
}

func extractBrowser(lowerUA string) string {
	if strings.Contains(lowerUA, "edg/") || strings.Contains(lowerUA, "edge") {
		return "Edge"
	} else if strings.Contains(lowerUA, "opr/") || strings.Contains(lowerUA, "opera") {
		return "Opera"
	} else if strings.Contains(lowerUA, "firefox") {
		return "Firefox"
	} else if strings.Contains(lowerUA, "chrome") || strings.Contains(lowerUA, "crios") {
		return "Chrome"
	} else if strings.Contains(lowerUA, "safari") {
		return "Safari"
	}
	return ""
}

func extractDevice(lowerUA string) string {
	switch {
	case lowerUA == "":
		return ""
	case strings.Contains(lowerUA, "ipad") || strings.Contains(lowerUA, "tablet"):
		return "tablet"
	case strings.Contains(lowerUA, "mobi") || strings.Contains(lowerUA, "iphone"):
		return "mobile"
	case strings.Contains(lowerUA, "mozilla/"):
		return "desktop"
	}
	return "other"
}

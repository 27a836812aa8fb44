package detection

// HeaderAnalysis contains header-based hints recorded with a visit.
type HeaderAnalysis struct {
	MissingExpected   []string `json:"missing_expected"`
	AutomationHeaders []string `json:"automation_headers"`
	HeaderOrder       []string `json:"header_order"`
	HeaderCount       int      `json:"header_count"`
}

// UAHints are coarse browser/OS/device hints parsed from a User-Agent.
type UAHints struct {
	Length             int      `json:"length"`
	ContainsAutomation bool     `json:"contains_automation"`
	AutomationKeywords []string `json:"automation_keywords"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
	Device             string   `json:"device"`
}

// Package assets embeds the browser collectors served by the ingest server.
package assets

import _ "embed"

// CollectorJS is the minimal collector: page URL, referrer, timestamp and
// navigator/screen signals.
//
//go:embed collector.js
var CollectorJS []byte

// CollectorExtendedJS adds the automation checklist, session_end and the
// opt-in fetch wrapper.
//
//go:embed collector.extended.js
var CollectorExtendedJS []byte

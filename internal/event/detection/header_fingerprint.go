package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// HeaderFingerprint hashes header names with a short prefix of each value.
// Requests from the same client stack tend to share a fingerprint.
func HeaderFingerprint(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := headers.Get(key)
		if len(value) > 20 {
			value = value[:20] + "..."
		}
		parts = append(parts, key+":"+value)
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}

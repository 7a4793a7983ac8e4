// Package keypool extracts and shuffles the per-request Gemini API key pool.
package keypool

import (
	"math/rand/v2"
	"net/http"
	"strings"
)

// HeaderAPIKey is the header carrying Gemini API keys, comma-separated on
// the way in and holding the single selected key on the way out.
const HeaderAPIKey = "x-goog-api-key"

// ParseList splits a comma-separated key list, trimming whitespace and
// dropping empty entries. An all-empty input yields a nil slice.
func ParseList(s string) []string {
	var keys []string
	for _, part := range strings.Split(s, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// FromRequest resolves the key pool for one request: the x-goog-api-key
// header takes precedence, falling back to the configured key list
// (GOOGLE_API_KEYS or the config file). The result may be empty.
func FromRequest(header http.Header, fallback string) []string {
	if keys := ParseList(header.Get(HeaderAPIKey)); len(keys) > 0 {
		return keys
	}
	return ParseList(fallback)
}

// Shuffle returns a uniformly random reordering of keys, drawn fresh per
// call. The input slice is not mutated; there is no weighting or memory
// between requests.
func Shuffle(keys []string) []string {
	shuffled := make([]string, len(keys))
	copy(shuffled, keys)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// Redact returns a loggable form of a key: its last four characters.
func Redact(key string) string {
	if len(key) <= 4 {
		return "..."
	}
	return "..." + key[len(key)-4:]
}

package stream

import (
	"net/http"
	"strconv"
)

// Rate-limit headers attached by the generation endpoint.
const (
	HeaderRateLimit          = "X-Ratelimit-Limit"
	HeaderRateLimitRemaining = "X-Ratelimit-Remaining"
)

// ParseRateLimitHeaders extracts the rate-limit snapshot from response
// headers. A nil value means the header was absent or non-numeric, which is
// distinct from an explicit zero remaining.
func ParseRateLimitHeaders(h http.Header) (limit, remaining *int) {
	return parseIntHeader(h, HeaderRateLimit), parseIntHeader(h, HeaderRateLimitRemaining)
}

func parseIntHeader(h http.Header, key string) *int {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &val
}

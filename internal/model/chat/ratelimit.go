package chat

// RateLimits is the last rate-limit snapshot reported by the generation
// endpoint. A nil *RateLimits means the endpoint never reported one; a
// Remaining of 0 is an explicit "no generations left".
type RateLimits struct {
	Limit     int `json:"rateLimit"`
	Remaining int `json:"rateLimitRemaining"`
}

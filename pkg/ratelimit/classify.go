package ratelimit

import (
	"net/http"
	"strings"
)

// TierForMethod classifies a JSON-RPC method name into its tier, per
// spec §4.K's table.
func TierForMethod(method string) Tier {
	switch {
	case method == "tools/call":
		return HighFrequency
	case method == "resources/read", method == "prompts/get":
		return MediumFrequency
	case strings.HasSuffix(method, "/list"), method == "initialize":
		return LowFrequency
	case method == "health", strings.HasPrefix(method, "admin"):
		return Admin
	default:
		return LowFrequency
	}
}

// ClientID derives the rate-limiting client identifier from an inbound
// HTTP request, per spec §4.K: "API key prefix, X-Forwarded-For first
// hop, X-Real-IP, else unknown_client".
func ClientID(r *http.Request, apiKeyPrefix string) string {
	if apiKeyPrefix != "" {
		return apiKeyPrefix
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return "unknown_client"
}

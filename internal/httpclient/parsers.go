package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders extracts rate-limit info from Anthropic's
// response headers.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	resetHeaders := []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	}
	for _, h := range resetHeaders {
		if resetStr := headers.Get(h); resetStr != "" {
			if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
				info.ResetTime = resetTime.Unix()
				break
			}
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-requests-remaining"); remaining != "" {
		_, _ = fmt.Sscanf(remaining, "%d", &info.RequestsRemaining)
	}

	return info
}

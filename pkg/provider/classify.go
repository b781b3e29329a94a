package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// domainRejections are provider error phrases that mean the mutation itself
// is invalid and will never succeed, however often it is retried.
var domainRejections = []string{
	"roster is locked",
	"player is locked",
	"not eligible for waivers",
	"waiver claim period",
	"player has already played",
	"invalid position",
	"does not own player",
	"transaction deadline",
}

// errorBody is the provider's error envelope.
type errorBody struct {
	Error struct {
		Description string `json:"description"`
	} `json:"error"`
}

// Classifier resolves a raw provider response into the closed Outcome union.
//
// DeniedIsThrottle controls the one genuinely ambiguous case: the provider
// answers some over-limit bursts with a generic "request denied" rather than
// an explicit rate-limit status. Treating it as throttling keeps the
// adaptive ceiling honest under load, but the same status can also mean an
// auth or payload problem, so the heuristic stays configurable.
type Classifier struct {
	DeniedIsThrottle bool
}

// Classify maps one HTTP response to an Outcome. Explicit non-retryable
// domain rejections win over the denied-as-throttle heuristic.
func (c Classifier) Classify(statusCode int, body []byte) Outcome {
	description := extractDescription(body)
	lower := strings.ToLower(description)

	if statusCode >= 200 && statusCode < 300 {
		return Outcome{Kind: Success}
	}

	for _, phrase := range domainRejections {
		if strings.Contains(lower, phrase) {
			return Outcome{Kind: DomainRejected, Detail: description}
		}
	}

	// 999 is the provider's historical "request denied" status.
	switch {
	case statusCode == 429:
		return Outcome{Kind: RateLimited, Detail: "http 429"}
	case statusCode == 999 || strings.Contains(lower, "request denied"):
		if c.DeniedIsThrottle {
			return Outcome{Kind: RateLimited, Detail: "request denied"}
		}
		return Outcome{Kind: SystemError, Detail: "request denied"}
	}

	if description != "" {
		return Outcome{Kind: SystemError, Detail: fmt.Sprintf("http %d: %s", statusCode, description)}
	}
	return Outcome{Kind: SystemError, Detail: fmt.Sprintf("http %d", statusCode)}
}

func extractDescription(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var e errorBody
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Description != "" {
		return e.Error.Description
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Package provider wraps the third-party sports API. The pipeline depends
// on exactly two things from it: performing one submission, and an honest
// classification of how that submission went.
package provider

import (
	"context"
	"encoding/json"

	"github.com/folkg/auto-coach/pkg/tasks"
)

// OutcomeKind is the closed set of ways a provider call can end. It is
// resolved once at the HTTP boundary; nothing downstream re-inspects
// status codes or error strings.
type OutcomeKind int

const (
	// Success: the provider accepted the mutation.
	Success OutcomeKind = iota

	// RateLimited: a rate-limit-equivalent response. Feeds the adaptive
	// concurrency ratio and the per-task circuit breaker.
	RateLimited

	// DomainRejected: the provider refused the mutation on a business rule
	// (roster locked, waiver ineligible, player not owned). Never retried.
	DomainRejected

	// SystemError: transport fault or an unexpected status. Retried like a
	// rate limit but does not move the adaptive ratio.
	SystemError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case DomainRejected:
		return "domain_rejected"
	default:
		return "system_error"
	}
}

// Outcome is the classified result of one provider call.
type Outcome struct {
	Kind OutcomeKind

	// Detail is a short human-readable classification for task records and
	// logs, e.g. "roster locked" or "http 503".
	Detail string
}

// Credentials carries the per-user provider authorization. Obtaining and
// refreshing tokens is an external collaborator's job.
type Credentials struct {
	AccessToken string
}

// CredentialSource resolves provider credentials for a user.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (Credentials, error)
}

// Client performs provider submissions. Implementations must classify every
// possible result into an Outcome; they return an error only when the call
// could not even be attempted (nil is the common case).
type Client interface {
	Submit(ctx context.Context, kind tasks.Kind, teamKey string, payload json.RawMessage, creds Credentials) Outcome
}

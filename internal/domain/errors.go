package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned by stores when a message id does not exist.
var ErrNotFound = errors.New("not found")

// MissingSegmentError means a segment the pipeline cannot proceed without is
// absent (no PID in practice). The whole message is rejected; no partial
// bundle is returned.
type MissingSegmentError struct {
	Segment string
}

func (e *MissingSegmentError) Error() string {
	return fmt.Sprintf("required segment %s is missing", e.Segment)
}

// ValueError is scoped to a single observation: an OBX declared numeric whose
// value field does not parse as a number. The observation is dropped and
// processing continues.
type ValueError struct {
	Code string `json:"code"`
	Raw  string `json:"raw"`
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("observation %s: numeric value type with non-numeric value %q", e.Code, e.Raw)
}

// RateLimitError signals that the AI cooldown has not elapsed. It is a normal
// backoff outcome, not a failure; callers surface it with the wait hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("AI request rate limited, retry in %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds is the remaining cooldown rounded up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// ExternalServiceError wraps a failure of an outbound collaborator (the
// text-generation service). Recoverable at the orchestrator level via the
// rule-based fallback.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

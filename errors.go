package servalsheets

import (
	"errors"
	"fmt"
	"time"
)

// Error type tags. Every failure an Orchestrator returns carries exactly
// one of these, attributing it to the stage that produced it.
const (
	ErrorTypeNetwork           = "Network"
	ErrorTypeServer            = "Server"
	ErrorTypeUpstreamRateLimit = "UpstreamRateLimit"
	ErrorTypeValidation        = "Validation"
	ErrorTypePermission        = "Permission"
	ErrorTypeNotFound          = "NotFound"
	ErrorTypeTimeout           = "Timeout"
	ErrorTypeCircuitOpen       = "CircuitOpen"
	ErrorTypeRateLimit         = "RateLimit"
	ErrorTypeBatch             = "Batch"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open and no
	// upstream attempt was made.
	ErrCircuitOpen = errors.New("servalsheets: circuit open")

	// ErrTimeout is returned when a deadline fired while waiting on the
	// limiter, the batch window or an in-flight call, before any upstream
	// attempt for this caller.
	ErrTimeout = errors.New("servalsheets: deadline exceeded while waiting")

	// ErrRateLimited is returned when admission is denied outright.
	ErrRateLimited = errors.New("servalsheets: rate limited")
)

// OrchestratorError is the rich error type returned by the pipeline.
type OrchestratorError struct {
	Type       string
	Stage      string
	Message    string
	Cause      error
	RequestID  string
	Kind       OperationKind
	Sheet      string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
	// RetryAfter is set for CircuitOpen (time until the next probe is
	// allowed) and UpstreamRateLimit (server-provided hint) errors.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *OrchestratorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is. Two OrchestratorErrors match when
// their Type tags match; the sentinels match their corresponding types so
// callers can test with errors.Is(err, ErrCircuitOpen) etc.
func (e *OrchestratorError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	}
	if other, ok := target.(*OrchestratorError); ok {
		return e.Type == other.Type
	}
	return false
}

// retryableError is implemented by upstream errors that are safe to retry.
type retryableError interface {
	Retryable() bool
}

// retryHinter is implemented by upstream errors carrying a server-provided
// retry hint, such as a rate limit response.
type retryHinter interface {
	RetryAfter() time.Duration
}

// IsTransient reports whether err represents a failure that might succeed
// on retry: network and server errors, upstream rate limits, and anything
// the upstream client classified as retryable. Validation, permission and
// not-found failures are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		switch oe.Type {
		case ErrorTypeNetwork, ErrorTypeServer, ErrorTypeUpstreamRateLimit:
			return true
		default:
			return false
		}
	}
	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	// Unclassified errors are treated as infrastructure failures.
	return true
}

// RetryHint extracts a server-provided retry delay from err, or zero.
func RetryHint(err error) time.Duration {
	var oe *OrchestratorError
	if errors.As(err, &oe) && oe.RetryAfter > 0 {
		return oe.RetryAfter
	}
	var rh retryHinter
	if errors.As(err, &rh) {
		return rh.RetryAfter()
	}
	return 0
}

// UpstreamError is a ready-made classified error for Invoker
// implementations. Code carries the upstream's own error identifier.
type UpstreamError struct {
	Code      string
	Message   string
	Transient bool
	Hint      time.Duration
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable implements the classification contract.
func (e *UpstreamError) Retryable() bool { return e.Transient }

// RetryAfter returns the server-provided retry hint, if any.
func (e *UpstreamError) RetryAfter() time.Duration { return e.Hint }

// classifyUpstream maps an upstream error to an error type tag.
func classifyUpstream(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch ue.Code {
		case "rate_limited":
			return ErrorTypeUpstreamRateLimit
		case "invalid_argument":
			return ErrorTypeValidation
		case "permission_denied":
			return ErrorTypePermission
		case "not_found":
			return ErrorTypeNotFound
		}
		if ue.Transient {
			return ErrorTypeServer
		}
		return ErrorTypeValidation
	}
	if IsTransient(err) {
		return ErrorTypeNetwork
	}
	return ErrorTypeValidation
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *OrchestratorError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Stage != "" {
		info += fmt.Sprintf("Stage: %s\n", e.Stage)
	}
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Kind != "" {
		info += fmt.Sprintf("Kind: %s\n", e.Kind)
	}
	if e.Sheet != "" {
		info += fmt.Sprintf("Sheet: %s\n", e.Sheet)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

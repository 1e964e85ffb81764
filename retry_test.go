package servalsheets

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryPolicyRetriesTransient(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 100*time.Millisecond, 10*time.Second, 2.0, 0)

	err := &UpstreamError{Code: "unavailable", Message: "backend down", Transient: true}

	delay, retry := p.ShouldRetry(err, 0)
	if !retry {
		t.Fatal("Expected retry for a transient failure")
	}
	if delay != 100*time.Millisecond {
		t.Errorf("Expected 100ms first delay, got %v", delay)
	}

	delay, retry = p.ShouldRetry(err, 1)
	if !retry {
		t.Fatal("Expected retry for attempt 1")
	}
	if delay != 200*time.Millisecond {
		t.Errorf("Expected 200ms second delay, got %v", delay)
	}
}

func TestDefaultRetryPolicyStopsAtMax(t *testing.T) {
	p := NewDefaultRetryPolicy(2, 10*time.Millisecond, time.Second, 2.0, 0)

	err := &UpstreamError{Code: "unavailable", Transient: true}

	if _, retry := p.ShouldRetry(err, 1); !retry {
		t.Error("Expected retry below the bound")
	}
	if _, retry := p.ShouldRetry(err, 2); retry {
		t.Error("Expected no retry at the bound")
	}
}

func TestDefaultRetryPolicyNilError(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second, 2.0, 0)

	if _, retry := p.ShouldRetry(nil, 0); retry {
		t.Error("Expected no retry for nil error")
	}
}

func TestDefaultRetryPolicyNonRetryable(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second, 2.0, 0)

	cases := []error{
		&UpstreamError{Code: "invalid_argument", Transient: false},
		&UpstreamError{Code: "permission_denied", Transient: false},
		&UpstreamError{Code: "not_found", Transient: false},
		&OrchestratorError{Type: ErrorTypeValidation, Message: "bad range"},
	}
	for _, err := range cases {
		if _, retry := p.ShouldRetry(err, 0); retry {
			t.Errorf("Expected no retry for %v", err)
		}
	}
}

func TestDefaultRetryPolicyHonorsServerHint(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Minute, 2.0, 0)

	err := &UpstreamError{
		Code:      "rate_limited",
		Transient: true,
		Hint:      2 * time.Second,
	}

	delay, retry := p.ShouldRetry(err, 0)
	if !retry {
		t.Fatal("Expected retry for an upstream rate limit")
	}
	if delay != 2*time.Second {
		t.Errorf("Expected the server hint to win, got %v", delay)
	}
}

func TestDefaultRetryPolicyIgnoresShorterHint(t *testing.T) {
	p := NewDefaultRetryPolicy(3, time.Second, time.Minute, 2.0, 0)

	err := &UpstreamError{Code: "rate_limited", Transient: true, Hint: time.Millisecond}

	delay, _ := p.ShouldRetry(err, 0)
	if delay != time.Second {
		t.Errorf("Expected the computed backoff to win over a shorter hint, got %v", delay)
	}
}

func TestDefaultRetryPolicyCapsHostileHint(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Minute, 2.0, 0)

	err := &UpstreamError{Code: "rate_limited", Transient: true, Hint: 48 * time.Hour}

	delay, _ := p.ShouldRetry(err, 0)
	if delay > time.Hour {
		t.Errorf("Expected the hint capped at one hour, got %v", delay)
	}
}

func TestDefaultRetryPolicyUnclassifiedErrorRetries(t *testing.T) {
	p := NewDefaultRetryPolicy(3, 10*time.Millisecond, time.Second, 2.0, 0)

	// Plain errors are treated as infrastructure failures.
	if _, retry := p.ShouldRetry(errors.New("connection reset"), 0); !retry {
		t.Error("Expected retry for an unclassified error")
	}
}

func TestDefaultRetryPolicyDecorrelatedStrategy(t *testing.T) {
	p := NewDefaultRetryPolicyWithStrategy(5, 100*time.Millisecond, 10*time.Second, 2.0, 0, DecorrelatedJitter)

	err := &UpstreamError{Code: "unavailable", Transient: true}
	for attempt := 0; attempt < 5; attempt++ {
		delay, retry := p.ShouldRetry(err, attempt)
		if !retry {
			t.Fatalf("Attempt %d: expected retry", attempt)
		}
		if delay < 100*time.Millisecond || delay > 10*time.Second {
			t.Errorf("Attempt %d: delay %v outside [initial, max]", attempt, delay)
		}
	}
}

func TestDefaultRetryPolicyMaxRetries(t *testing.T) {
	p := NewDefaultRetryPolicy(7, time.Millisecond, time.Second, 2.0, 0)

	if p.MaxRetries() != 7 {
		t.Errorf("Expected MaxRetries=7, got %d", p.MaxRetries())
	}
}

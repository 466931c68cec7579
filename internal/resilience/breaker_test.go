package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing() error { return errBoom }
func succeeding() error { return nil }

// TestBreakerTripsAfterFailureLimit verifies closed → open.
func TestBreakerTripsAfterFailureLimit(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "openai", FailureLimit: 3, CoolDown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want the call error", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen while open", err)
	}
}

// TestBreakerSuccessResetsCount verifies a success clears the failure streak.
func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureLimit: 2, CoolDown: time.Hour})

	b.Do(failing)
	b.Do(succeeding)
	b.Do(failing)

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", got)
	}
}

// TestBreakerClosesAfterProbes verifies open → half-open → closed.
func TestBreakerClosesAfterProbes(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureLimit: 1, CoolDown: 10 * time.Millisecond, ProbeBudget: 2})

	b.Do(failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cool-down", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(succeeding); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after successful probes", got)
	}
}

// TestBreakerReopensOnProbeFailure verifies one failed probe re-opens.
func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureLimit: 1, CoolDown: 10 * time.Millisecond, ProbeBudget: 3})

	b.Do(failing)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want the call error", err)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen right after a failed probe", err)
	}
}

// TestBreakerReset verifies the manual reset path.
func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureLimit: 1, CoolDown: time.Hour})

	b.Do(failing)
	b.Reset()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after reset", got)
	}
	if err := b.Do(succeeding); err != nil {
		t.Errorf("Do after reset: %v", err)
	}
}

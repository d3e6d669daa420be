package task

import (
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := Exponential(time.Minute, 24*time.Hour)
	want := map[int]time.Duration{
		0:  time.Minute,
		1:  2 * time.Minute,
		2:  4 * time.Minute,
		3:  8 * time.Minute,
		10: 1024 * time.Minute,
		11: 24 * time.Hour,
		64: 24 * time.Hour,
	}
	for n, w := range want {
		if got := b(n); got != w {
			t.Fatalf("Exponential(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestLinearBackoff(t *testing.T) {
	t.Parallel()

	b := Linear(4*time.Minute, 24*time.Hour)
	for n, w := range map[int]time.Duration{1: 4 * time.Minute, 2: 8 * time.Minute, 4: 16 * time.Minute, 1000: 24 * time.Hour} {
		if got := b(n); got != w {
			t.Fatalf("Linear(%d) = %s, want %s", n, got, w)
		}
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 3, Backoff: Exponential(time.Minute, time.Hour), MaxDelay: time.Hour}
	cause := errors.New("boom")

	d := p.Decide(0, cause)
	if d.Terminal || d.Attempts != 1 || d.Delay != 2*time.Minute {
		t.Fatalf("Decide(0) = %+v", d)
	}
	d = p.Decide(1, cause)
	if d.Terminal || d.Attempts != 2 || d.Delay != 4*time.Minute {
		t.Fatalf("Decide(1) = %+v", d)
	}
	d = p.Decide(2, cause)
	if !d.Terminal || d.Attempts != 3 {
		t.Fatalf("Decide(2) = %+v, want terminal at 3", d)
	}
}

func TestRetryPolicyHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 5, Backoff: Constant(time.Minute), MaxDelay: 10 * time.Second}
	d := p.Decide(0, RetryAfter(errors.New("rate limited"), 5*time.Second))
	if d.Delay != 5*time.Second {
		t.Fatalf("Delay = %s, want 5s", d.Delay)
	}
	d = p.Decide(0, RetryAfter(errors.New("rate limited"), time.Hour))
	if d.Delay != 10*time.Second {
		t.Fatalf("Delay = %s, want capped 10s", d.Delay)
	}
	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Fatalf("RetryAfterHint(plain) ok = true")
	}
}

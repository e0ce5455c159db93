package flowsync

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelayGrowsExponentially(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := policy.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPolicyDelayWithHintPrefersHeader(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

	if got := policy.DelayWithHint(1, "2"); got != 2*time.Second {
		t.Fatalf("Retry-After seconds must win, got %s", got)
	}
	if got := policy.DelayWithHint(1, "60"); got != 5*time.Second {
		t.Fatalf("hint must still be capped at MaxDelay, got %s", got)
	}
	if got := policy.DelayWithHint(2, "not-a-hint"); got != 200*time.Millisecond {
		t.Fatalf("unparseable hint falls back to the computed delay, got %s", got)
	}
	if got := policy.DelayWithHint(2, ""); got != 200*time.Millisecond {
		t.Fatalf("missing hint falls back to the computed delay, got %s", got)
	}
}

func TestRetryPolicyWaitHonorsContext(t *testing.T) {
	policy := DefaultRetryPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := policy.Wait(ctx, time.Minute); err == nil {
		t.Fatalf("cancelled context must abort the wait")
	}
	if err := policy.Wait(context.Background(), 0); err != nil {
		t.Fatalf("zero delay must return immediately: %v", err)
	}
}

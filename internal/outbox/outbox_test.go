package outbox

import (
	"errors"
	"testing"
	"time"
)

func TestTerminalRoundTrips(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := Terminal(base)

	if !isTerminal(wrapped) {
		t.Error("isTerminal should recognize a Terminal-wrapped error")
	}
	if isTerminal(base) {
		t.Error("isTerminal should not flag a plain error as terminal")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Terminal should preserve errors.Is unwrapping to the original error")
	}
}

func TestNextBackoffStaysWithinBounds(t *testing.T) {
	base := 1 * time.Second
	max := 10 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := nextBackoff(base, max, attempt)
		if d < 0 {
			t.Fatalf("attempt %d: backoff went negative: %v", attempt, d)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, max)
		}
	}
}

func TestNextBackoffCapsAtMaxForLargeAttempts(t *testing.T) {
	base := 1 * time.Second
	max := 5 * time.Second
	for i := 0; i < 50; i++ {
		d := nextBackoff(base, max, 20)
		if d > max {
			t.Fatalf("backoff %v exceeds cap %v on high attempt count", d, max)
		}
	}
}

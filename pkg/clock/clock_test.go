package clock

import (
	"testing"
	"time"
)

// TestSystemClockNowMs tests that the system clock tracks wall time
func TestSystemClockNowMs(t *testing.T) {
	c := System()

	before := time.Now().UnixMilli()
	got := c.NowMs()
	after := time.Now().UnixMilli()

	if got < before || got > after {
		t.Errorf("NowMs() = %d, want between %d and %d", got, before, after)
	}
}

// TestNewTransferIDUnique tests that generated IDs do not collide
func TestNewTransferIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTransferID()
		if id == "" {
			t.Fatal("NewTransferID() returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewTransferID() returned duplicate: %s", id)
		}
		seen[id] = true
	}
}

// TestISO tests the journal timestamp format
func TestISO(t *testing.T) {
	got := ISO(0)
	want := "1970-01-01T00:00:00.000Z"
	if got != want {
		t.Errorf("ISO(0) = %q, want %q", got, want)
	}

	got = ISO(1700000000123)
	want = "2023-11-14T22:13:20.123Z"
	if got != want {
		t.Errorf("ISO(1700000000123) = %q, want %q", got, want)
	}
}

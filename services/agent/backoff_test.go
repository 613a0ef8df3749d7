package agent

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(30*time.Second, 300*time.Second, 1.5)

	want := []time.Duration{
		30 * time.Second,
		45 * time.Second,
		67500 * time.Millisecond,
		101250 * time.Millisecond,
		151875 * time.Millisecond,
		227812500 * time.Microsecond,
		300 * time.Second,
		300 * time.Second,
	}
	for i, w := range want {
		if got := b.Current(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got, w)
		}
		b.Advance()
	}

	b.Reset()
	if b.Current() != 30*time.Second {
		t.Fatalf("reset to %s", b.Current())
	}
}

func TestBackoffClampsArguments(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Second, 0.5)
	b.Advance()
	if b.Current() != 10*time.Second {
		t.Fatalf("got %s", b.Current())
	}
}

package ids

import (
	"testing"
	"time"
)

func TestNewAtIsMonotonicWithinMillisecond(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
	if later := NewAt(at.Add(time.Millisecond)); later <= prev {
		t.Fatalf("expected later timestamp to sort after, got %s <= %s", later, prev)
	}
}

func TestRequestIDIsUUID(t *testing.T) {
	if id := RequestID(); len(id) != 36 {
		t.Fatalf("unexpected request id %q", id)
	}
}

package ids

import (
	"testing"
	"time"
)

func TestNewULID_ValidAndTimestamped(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len=%d want 26", len(id))
	}
	if !Valid(id) {
		t.Fatalf("Valid(%q)=false", id)
	}
	got, ok := Time(id)
	if !ok || !got.Equal(now) {
		t.Fatalf("Time(%q)=%v,%v want=%v", id, got, ok, now)
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not-a-ulid", "../../etc/passwd", "01ARZ3NDEKTSV4RRFFQ69G5FA"} {
		if Valid(s) {
			t.Fatalf("Valid(%q)=true", s)
		}
	}
}

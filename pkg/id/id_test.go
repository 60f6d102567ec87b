package id

import (
	"sort"
	"testing"
	"time"
)

func TestNewIsMonotonicWithinMillisecond(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New(now)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ids minted in one millisecond are not sorted")
	}

	got, err := Time(ids[0])
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("Time = %v, want %v", got, now)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}

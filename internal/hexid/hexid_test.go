package hexid

import (
	"regexp"
	"testing"
)

func TestNew(t *testing.T) {
	id := New()
	if len(id) != 8 {
		t.Fatalf("expected length 8, got %d: %q", len(id), id)
	}
	if !regexp.MustCompile(`^[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("expected lowercase hex, got %q", id)
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate ID after %d iterations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"cron", "nightly"}, `^cron-nightly-[0-9a-f]{8}$`},
		{[]string{"cron-manual-", "", "job 7"}, `^cron-manual-job 7-[0-9a-f]{8}$`},
		{nil, `^[0-9a-f]{8}$`},
	}
	for _, tt := range tests {
		got := Join(tt.parts...)
		if !regexp.MustCompile(tt.want).MatchString(got) {
			t.Fatalf("Join(%q) = %q, want match %s", tt.parts, got, tt.want)
		}
	}
}

package schedule

import (
	"testing"
	"time"
)

func TestParseNextRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) // a Friday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"2024-03-05T08:30:00Z", time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)},
		{"90m", now.Add(90 * time.Minute)},
		{"24h", now.Add(24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseNextRun(tt.expr, now)
			if err != nil {
				t.Fatalf("ParseNextRun(%q) failed: %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseNextRun(%q) = %s, want %s", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseNextRunNaturalLanguage(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := ParseNextRun("tomorrow", now)
	if err != nil {
		t.Fatalf("ParseNextRun failed: %v", err)
	}
	if got.Month() != time.March || got.Day() != 2 {
		t.Errorf("tomorrow = %s, want March 2", got)
	}

	got, err = ParseNextRun("tomorrow at 9am", now)
	if err != nil {
		t.Fatalf("ParseNextRun failed: %v", err)
	}
	if got.Day() != 2 || got.Hour() != 9 {
		t.Errorf("got %s, want March 2 09:00", got)
	}
}

func TestParseNextRunRejects(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, expr := range []string{"", "   ", "-5m", "gibberish words"} {
		if _, err := ParseNextRun(expr, now); err == nil {
			t.Errorf("ParseNextRun(%q) succeeded, want error", expr)
		}
	}
}

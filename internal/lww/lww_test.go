package lww

import (
	"testing"

	"github.com/Mschirtzinger/quill/internal/schema"
)

func TestAccept(t *testing.T) {
	older := schema.MustStamp("2024-01-01T00:00:00Z")
	newer := schema.MustStamp("2024-01-01T00:00:01Z")

	tests := []struct {
		name     string
		existing schema.Stamp
		exists   bool
		incoming schema.Stamp
		want     bool
	}{
		{"absent", "", false, older, true},
		{"newer wins", older, true, newer, true},
		{"older loses", newer, true, older, false},
		{"tie rejected", older, true, older, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Accept(tt.existing, tt.exists, tt.incoming); got != tt.want {
				t.Errorf("Accept() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveKeepsCurrentOnTie(t *testing.T) {
	stamp := schema.MustStamp("2024-01-01T00:00:00Z")
	a := &schema.Template{ID: "x", Name: "a", UpdatedAt: stamp}
	b := &schema.Template{ID: "x", Name: "b", UpdatedAt: stamp}
	if got := Resolve(a, b); got != a {
		t.Fatalf("tie should keep current, got %v", got)
	}
	if got := Resolve(nil, b); got != b {
		t.Fatalf("absent current should take incoming")
	}
}

package ui

import (
	"reflect"
	"strings"
	"testing"

	"github.com/Mschirtzinger/quill/internal/schema"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{" a , ,b,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := SplitList(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitList(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShouldUseColorHonorsNoColor(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	if !ShouldUseColor() {
		t.Error("CLICOLOR_FORCE should enable color")
	}
	t.Setenv("NO_COLOR", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR should disable color")
	}
}

func TestRenderStatusKeepsText(t *testing.T) {
	for _, s := range []schema.Status{schema.StatusDraft, schema.StatusQueued, schema.StatusGenerating, schema.StatusDeployed} {
		if got := RenderStatus(s); !strings.Contains(got, string(s)) {
			t.Errorf("RenderStatus(%s) = %q", s, got)
		}
	}
}


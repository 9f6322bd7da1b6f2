package tui

import (
	"testing"

	"otail/internal/rules"
)

func TestColourTag(t *testing.T) {
	if got := colourTag(rules.Default); got != "-" {
		t.Errorf("colourTag(Default) = %q, want %q", got, "-")
	}
	if got := colourTag(rules.Red); got != "red" {
		t.Errorf("colourTag(Red) = %q, want %q", got, "red")
	}
}

func TestParseLineNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 0, false},
		{"10", 9, false},
		{"  5  ", 4, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLineNumber(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLineNumber(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLineNumber(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLineNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

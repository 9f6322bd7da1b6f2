package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerGatesBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otail.log")

	l, err := New(path, LevelWarn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	l.Warnf("this warning appears")
	l.Errorf("this error appears")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "should not appear") {
		t.Errorf("log contains a message below the minimum level: %s", content)
	}
	if !strings.Contains(content, "this warning appears") {
		t.Errorf("log missing warning message: %s", content)
	}
	if !strings.Contains(content, "this error appears") {
		t.Errorf("log missing error message: %s", content)
	}
}

func TestLoggerAppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otail.log")

	l1, err := New(path, LevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l1.Infof("first")

	l2, err := New(path, LevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l2.Infof("second")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "first") || !strings.Contains(content, "second") {
		t.Errorf("expected both entries in append-mode log, got: %s", content)
	}
}

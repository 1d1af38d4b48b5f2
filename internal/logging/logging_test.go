package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, Fields{"run_id": "abc"})

	l.Debug("hidden", nil)
	l.WithFields(Fields{"phase": "setup"}).Warn("slow command", Fields{"err": errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["lvl"] != "warn" || entry["msg"] != "slow command" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["run_id"] != "abc" || entry["phase"] != "setup" || entry["err"] != "boom" {
		t.Fatalf("fields not merged: %v", entry)
	}
}

func TestWithFieldsDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, LevelDebug, nil)
	_ = parent.WithFields(Fields{"child": true})

	parent.Info("parent", nil)
	if strings.Contains(buf.String(), "child") {
		t.Fatalf("child fields leaked into parent: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"", LevelInfo},
		{"WARNING", LevelWarn},
		{"error", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = (%v, %v), expected %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

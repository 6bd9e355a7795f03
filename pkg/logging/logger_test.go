package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(INFO, true)
	l.SetOutput(&buf)

	l.WithField("job_id", "j1").Info("job queued", map[string]interface{}{
		"error": errors.New("boom"),
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "job queued" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["job_id"] != "j1" {
		t.Errorf("missing context field: %v", entry.Fields)
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("errors should be rendered as strings: %v", entry.Fields["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below level were written: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("warning missing: %q", out)
	}
}

func TestDerivedLoggerSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, false)
	child := l.WithField("worker", "training")
	l.SetOutput(&buf)

	child.Info("tick")
	if !strings.Contains(buf.String(), "worker=training") {
		t.Errorf("child logger did not follow parent output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Service: "agencyflow", Level: "debug", Output: &buf})
	Init(Options{Service: "agencyflow", Level: "debug", Output: &buf})

	Logger.WithField("prospect_id", "p-1").Debug("stage updated")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "agencyflow" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
	if line["msg"] != "stage updated" || line["level"] != "debug" {
		t.Fatalf("unexpected entry %v", line)
	}
	if _, ok := line["ts"]; !ok {
		t.Fatalf("expected ts field, got %v", line)
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "chatty", Format: "text", Output: &buf})

	Logger.Debug("hidden")
	if Logger.GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %s", Logger.GetLevel())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug entry should be filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "unknown log level") {
		t.Fatalf("expected a warning about the level, got %q", buf.String())
	}
}

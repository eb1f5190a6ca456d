package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestLoggerEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("org", "acme").WithError(errors.New("boom")).Warn("fallback engaged")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "fallback engaged" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["org"] != "acme" {
		t.Errorf("org = %v", entry["org"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)
	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info message emitted at warn level: %s", buf.String())
	}
	logger.Error("kept")
	if buf.Len() == 0 {
		t.Error("error message dropped")
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}

	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("via context")
	if buf.Len() == 0 {
		t.Error("context logger was not used")
	}
}

func TestParseLogLevel(t *testing.T) {
	if ParseLogLevel("debug") != DebugLevel {
		t.Error("debug not parsed")
	}
	if ParseLogLevel("nonsense") != InfoLevel {
		t.Error("unknown level should default to info")
	}
}

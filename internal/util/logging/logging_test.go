package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestNewTagsService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "repos")

	logger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["service"] != "repos" {
		t.Errorf("service = %v, want repos", entry["service"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp field")
	}
}

func TestWithLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := WithLevel(New(&buf, "repos"), "warn")
	if err != nil {
		t.Fatalf("WithLevel: %v", err)
	}

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %s", buf.String())
	}
	logger.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("warn line should be written")
	}

	if _, err := WithLevel(logger, "loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "repos")
	ctx := WithRequestID(context.Background(), "req-1")

	if RequestID(ctx) != "req-1" {
		t.Fatalf("RequestID = %q", RequestID(ctx))
	}

	LogRequest(logger, ctx, http.MethodGet, "/packages", 200, 42, time.Millisecond)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["path"] != "/packages" || entry["status"] != float64(200) {
		t.Errorf("unexpected entry: %v", entry)
	}
}

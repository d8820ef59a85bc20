package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Writer: &buf, Format: "text"})
	logger.Debug("hello", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "hello") || !strings.Contains(output, "key=value") {
		t.Fatalf("unexpected text output: %s", output)
	}

	buf.Reset()
	logger = New(Config{Level: "warn", Writer: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be suppressed at warn level, got %s", buf.String())
	}
	logger.Warn("kept")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if record["msg"] != "kept" {
		t.Fatalf("expected msg kept, got %v", record["msg"])
	}
}

func TestWithContextAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "sess-9")

	WithContext(ctx, logger).Info("annotated")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", record["request_id"])
	}
	if record["session_id"] != "sess-9" {
		t.Fatalf("expected session_id sess-9, got %v", record["session_id"])
	}
}

func TestRequestLoggerCapturesStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/current", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record: %v", err)
	}
	if record["status"] != float64(http.StatusTeapot) {
		t.Fatalf("expected status 418, got %v", record["status"])
	}
	if record["path"] != "/api/sessions/current" {
		t.Fatalf("expected path to be recorded, got %v", record["path"])
	}
	if _, ok := record["remote_addr"]; ok {
		t.Fatal("remote_addr should be disabled")
	}
}

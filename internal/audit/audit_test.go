package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/tracker"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_Observe(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "audit.log")

	logger, err := NewLogger(&Config{Enabled: true, Level: "verbose", Output: logFile})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	defer logger.Close()

	ctx := WithRequestID(context.Background(), "req-123")
	logger.Observe(ctx, tracker.Event{
		Type:       tracker.EventPromoted,
		Op:         tracker.OpReportFailure,
		Identifier: "10.0.0.1",
		Count:      3,
		Blocked:    true,
		Duration:   2 * time.Millisecond,
	})

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(content, &rec); err != nil {
		t.Fatalf("audit record is not JSON: %v", err)
	}
	if rec["type"] != "promoted" {
		t.Errorf("type = %v, want promoted", rec["type"])
	}
	if rec["request_id"] != "req-123" {
		t.Errorf("request_id = %v", rec["request_id"])
	}
	if rec["identifier"] != "10.0.0.1" {
		t.Errorf("identifier = %v", rec["identifier"])
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v", rec["count"])
	}
	if rec["blocked"] != true {
		t.Errorf("blocked = %v", rec["blocked"])
	}
	if rec["duration_ms"] != float64(2) {
		t.Errorf("duration_ms = %v", rec["duration_ms"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Error("record should carry a timestamp")
	}
}

func TestLogger_BackendError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&Config{Enabled: true, Level: "minimal"}, &buf)

	err := fmt.Errorf("expire: %w: %w", storage.ErrBackendUnavailable, errors.New("connection refused"))
	logger.Observe(context.Background(), tracker.Event{
		Type: tracker.EventBackendError,
		Op:   tracker.OpIsBlocked,
		Err:  err,
	})

	recs := decodeLines(t, &buf)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0]["level"] != "error" {
		t.Errorf("level = %v, want error", recs[0]["level"])
	}
	if recs[0]["error_class"] != "unavailable" {
		t.Errorf("error_class = %v", recs[0]["error_class"])
	}
	if !strings.Contains(recs[0]["error"].(string), "connection refused") {
		t.Errorf("error = %v", recs[0]["error"])
	}
}

func TestLogger_Levels(t *testing.T) {
	all := []tracker.EventType{
		tracker.EventFailureRecorded,
		tracker.EventPromoted,
		tracker.EventFailureIgnored,
		tracker.EventBlockChecked,
		tracker.EventRehabilitated,
		tracker.EventBackendError,
	}

	tests := []struct {
		level string
		want  []string
	}{
		{level: "minimal", want: []string{"promoted", "rehabilitated", "backend_error"}},
		{level: "standard", want: []string{"failure_recorded", "promoted", "failure_ignored", "rehabilitated", "backend_error"}},
		{level: "verbose", want: []string{"failure_recorded", "promoted", "failure_ignored", "block_checked", "rehabilitated", "backend_error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWriterLogger(&Config{Enabled: true, Level: tt.level}, &buf)
			for _, et := range all {
				logger.Observe(context.Background(), tracker.Event{Type: et})
			}

			var got []string
			for _, rec := range decodeLines(t, &buf) {
				got = append(got, rec["type"].(string))
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("logged %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogger_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&Config{Enabled: false, Level: "verbose"}, &buf)

	logger.Observe(context.Background(), tracker.Event{Type: tracker.EventPromoted})
	if buf.Len() != 0 {
		t.Error("disabled logger should not write")
	}
}

func TestLogger_CopiesConfig(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Enabled: true, Level: "minimal"}
	logger := NewWriterLogger(cfg, &buf)

	cfg.Level = "verbose"
	logger.Observe(context.Background(), tracker.Event{Type: tracker.EventBlockChecked})
	if buf.Len() != 0 {
		t.Error("later changes to the config must not affect the logger")
	}
}

func TestOpen(t *testing.T) {
	trail, err := Open(&Config{Enabled: false, Output: filepath.Join(t.TempDir(), "missing", "audit.log")})
	if err != nil {
		t.Fatalf("Open(disabled) error: %v", err)
	}
	if _, ok := trail.(*NopLogger); !ok {
		t.Errorf("Open(disabled) = %T, want *NopLogger", trail)
	}

	logFile := filepath.Join(t.TempDir(), "audit.log")
	trail, err = Open(&Config{Enabled: true, Level: "minimal", Output: logFile})
	if err != nil {
		t.Fatalf("Open(enabled) error: %v", err)
	}
	if _, ok := trail.(*Logger); !ok {
		t.Errorf("Open(enabled) = %T, want *Logger", trail)
	}
	trail.Observe(context.Background(), tracker.Event{Type: tracker.EventRehabilitated, Op: tracker.OpRehabilitate})
	if err := trail.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), `"type":"rehabilitated"`) {
		t.Errorf("audit file = %q", content)
	}

	if _, err := Open(&Config{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "audit.log")}); err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestLogger_StdoutOutput(t *testing.T) {
	logger, err := NewLogger(&Config{Enabled: true, Level: "standard", Output: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on stdout should not fail: %v", err)
	}
}

func TestLogger_BadPath(t *testing.T) {
	_, err := NewLogger(&Config{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "audit.log")})
	if err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestNopLogger(t *testing.T) {
	var obs Trail = NewNopLogger()
	obs.Observe(context.Background(), tracker.Event{Type: tracker.EventPromoted})
	if err := NewNopLogger().Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestIDFrom(context.Background()); got != "" {
		t.Errorf("RequestIDFrom(empty) = %q", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestIDFrom(ctx); got != "abc" {
		t.Errorf("RequestIDFrom() = %q, want abc", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("Default config should be enabled")
	}
	if cfg.Level != "standard" {
		t.Errorf("Default level should be 'standard', got %q", cfg.Level)
	}
	if cfg.Output != "stdout" {
		t.Errorf("Default output should be 'stdout', got %q", cfg.Output)
	}
}

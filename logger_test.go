package enzyme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "debug")

	logger.Debug("debug message", "requestID", "r-1", "attempt", 2)
	logger.Error("error message", "error", errors.New("boom"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d:\n%s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "debug" || entry["message"] != "debug message" {
		t.Errorf("Unexpected entry %v", entry)
	}
	if entry["requestID"] != "r-1" || entry["attempt"] != float64(2) || entry["component"] != "enzyme" {
		t.Errorf("Expected fields on entry, got %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Errorf("Expected timestamp on entry, got %v", entry)
	}
	if !strings.Contains(lines[1], `"error":"boom"`) {
		t.Errorf("Expected error field, got %s", lines[1])
	}
}

func TestZerologLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "warn")

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("message below warn was logged")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message missing")
	}
}

func TestClientLogsRetriesThroughZerolog(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	client := New(WithBaseURL(server.URL), WithRetryPolicy(fastRetryPolicy()), WithLogger(NewLoggerWithWriter(&buf, "debug")))
	if _, err := client.Get(context.Background(), "/flaky", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"message":"Retrying request"`) || !strings.Contains(buf.String(), `"reason":"status_503"`) {
		t.Errorf("Expected retry log line, got:\n%s", buf.String())
	}
}

func TestSlogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debug message", "requestID", "r-1")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	for _, want := range []string{"debug message", "requestID=r-1", "info message", "warn message", "error message", "component=enzyme"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestSlogLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	logger.Debug("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug message logged at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message missing")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"INFO":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNoopLogger(t *testing.T) {
	var l Logger = noopLogger{}
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
}

package observability

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	defer SetLogger(nil)

	Log().Debug("test")
	if recorder.debugs != 1 {
		t.Fatalf("expected 1 debug call, got %d", recorder.debugs)
	}

	SetLogger(nil)
	Log().Info("noop")
	if recorder.infos != 0 {
		t.Fatalf("expected noop logger after reset, got %d info calls", recorder.infos)
	}
}

func TestStdLoggerEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("replay started", F("backtest_id", "bt-1"), F("total", 30))
	out := buf.String()
	if !strings.Contains(out, "INFO replay started") {
		t.Fatalf("expected level and message, got %q", out)
	}
	if !strings.Contains(out, "backtest_id=bt-1") || !strings.Contains(out, "total=30") {
		t.Fatalf("expected fields in output, got %q", out)
	}
}

func TestStdLoggerDebugSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug suppression, got %q", buf.String())
	}

	logger.DebugEnable = true
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "DEBUG shown") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for otlp exporter without endpoint")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling rate above 1")
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithRunID("run-1").WithItem("api", "deps", "package.deps").Info("observed")

	out := buf.String()
	for _, want := range []string{`"run_id":"run-1"`, `"service":"api"`, `"state":"deps"`, `"type":"package.deps"`, `"message":"observed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should be logged, got %q", buf.String())
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext returned nil")
	}
	logger.Info("discarded")
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordObservation("env.export", "missing", time.Millisecond)
	metrics.RecordError("STATE_NOT_FOUND")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `devstate_observations_total{status="missing",type="env.export"} 1`) {
		t.Errorf("observation counter not exposed:\n%s", body)
	}
	if !strings.Contains(body, `devstate_errors_by_code_total{code="STATE_NOT_FOUND"} 1`) {
		t.Errorf("error counter not exposed:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false

	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	metrics.RecordRun("feature", "sync", true, time.Second)

	if metrics.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func TestMetricsWriteTextfile(t *testing.T) {
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	metrics.RecordStateWrite("file")

	path := filepath.Join(t.TempDir(), "devstate.prom")
	if err := metrics.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `devstate_state_writes_total{backend="file"} 1`) {
		t.Errorf("textfile missing state write counter:\n%s", data)
	}
}

func TestTracerDisabledStartsSpans(t *testing.T) {
	tracer, err := NewTracer(DefaultConfig().Tracing, "devstate", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	ctx, span := tracer.StartRunSpan(context.Background(), "run-1", "sync", "feature")
	defer span.End()

	if ctx == nil {
		t.Fatal("expected context")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

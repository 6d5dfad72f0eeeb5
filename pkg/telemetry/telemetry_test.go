package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, true},
		{"otlp with endpoint", func(c *Config) {
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = "collector:4317"
		}, false},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("build").
		WithService("web").
		WithRole("nginx").
		WithFingerprint("0123456789abcdef0123").
		Info("Running role")

	out := buf.String()
	for _, want := range []string{
		`"component":"build"`,
		`"service":"web"`,
		`"role":"nginx"`,
		`"fingerprint":"0123456789ab"`,
		`"message":"Running role"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestLoggerFromContext(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("Expected a default logger")
	}

	var buf bytes.Buffer
	custom := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := custom.WithContext(context.Background())
	FromContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Error("Expected context logger to be used")
	}
}

func TestMetricsTextfile(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "rolecraft"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordLayerCommitted("web")
	m.RecordRole("web", "nginx", 2*time.Second, nil)
	m.RecordServiceBuilt("success")

	path := filepath.Join(t.TempDir(), "rolecraft.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		"rolecraft_cache_hits_total 2",
		"rolecraft_cache_misses_total 1",
		`rolecraft_layers_committed_total{service="web"} 1`,
		`rolecraft_services_built_total{status="success"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in metrics output:\n%s", want, out)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCacheHit()
	m.RecordLayerCommitted("web")
	if err := m.WriteTextfile("/nonexistent/x.prom"); err != nil {
		t.Errorf("Expected nil metrics to be a no-op, got %v", err)
	}

	disabled, _ := NewMetrics(MetricsConfig{Enabled: false})
	disabled.RecordCacheMiss()
	if disabled.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
}

func TestEventPublisher(t *testing.T) {
	ep := NewEventPublisher(zerolog.Nop(), nil, 4)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Service)
	}, FilterByType(engine.EventServiceChange))

	ctx := context.Background()
	for _, e := range []*engine.Event{
		{Type: engine.EventTaskStarted, TaskID: "t1"},
		{Type: engine.EventServiceChange, Service: "db"},
		{Type: engine.EventServiceChange, Service: "web"},
		{Type: engine.EventTaskCompleted, TaskID: "t1"},
	} {
		if err := ep.Publish(ctx, e); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "db" || got[1] != "web" {
		t.Errorf("Expected [db web], got %v", got)
	}
}

func TestTracerNone(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Exporter: "none"}, "rolecraft", "dev", "demo")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	ctx, span := tr.StartBuildSpan(context.Background(), "web")
	EndSpan(span, nil)
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from a no-op tracer")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := createStdoutExporter(&buf)
	if err != nil {
		t.Fatalf("Failed to create exporter: %v", err)
	}
	tr := newTracerWithExporter(TracingConfig{SamplingRate: 1, ExportTimeout: time.Second}, "rolecraft", nil, exporter)

	ctx, span := tr.StartRoleSpan(context.Background(), "web", "nginx")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id")
	}
	EndSpan(span, nil)

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), "build.role") {
		t.Errorf("Expected exported span, got %s", buf.String())
	}
}

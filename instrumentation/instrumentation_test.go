package instrumentation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "disabled",
			config:  Config{Enabled: false},
			wantErr: false,
		},
		{
			name: "enabled without exporters",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "prometheus and stdout exporters",
			config: Config{
				Enabled:         true,
				MetricsExporter: ExporterPrometheus,
				TracesExporter:  ExporterStdout,
				TraceWriter:     &bytes.Buffer{},
			},
			wantErr: false,
		},
		{
			name:    "unknown metrics exporter",
			config:  Config{Enabled: true, MetricsExporter: "statsd"},
			wantErr: true,
		},
		{
			name:    "unknown traces exporter",
			config:  Config{Enabled: true, TracesExporter: "jaeger"},
			wantErr: true,
		},
		{
			name:    "unknown exporter ignored when disabled",
			config:  Config{Enabled: false, MetricsExporter: "statsd"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers should not be nil")
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestInstrumentation_NilSafe(t *testing.T) {
	var inst *Instrumentation

	if inst.Metrics() != nil {
		t.Error("nil instrumentation should return nil metrics")
	}
	// nil metrics must accept records
	inst.Metrics().RecordCodeIssued(context.Background(), "client", "S256")

	if inst.ShouldLogClientIPs() {
		t.Error("nil instrumentation should not log client IPs")
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on nil = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("MetricsHandler status = %d, want 404", rec.Code)
	}
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	inst, err := New(Config{
		Enabled:         true,
		MetricsExporter: ExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordCodeIssued(context.Background(), "c1", "S256")

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oauth_code_issued") {
		t.Errorf("metrics output does not contain oauth_code_issued:\n%s", rec.Body.String())
	}
}

func TestStdoutTraceExporter(t *testing.T) {
	var buf bytes.Buffer
	inst, err := New(Config{
		Enabled:        true,
		TracesExporter: ExporterStdout,
		TraceWriter:    &buf,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("server").Start(context.Background(), "exchange_code")
	SetSpanSuccess(span)
	span.End()

	// Shutdown flushes the batcher
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if !strings.Contains(buf.String(), "exchange_code") {
		t.Errorf("trace output does not contain span name:\n%s", buf.String())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = inst.Meter("server")
			_ = inst.Tracer("storage")
			_ = inst.Metrics()
		}()
	}
	wg.Wait()
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 2 },
		nil,
		func() int64 { return 1 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "storage_codes_count") {
		t.Errorf("metrics output does not contain storage_codes_count:\n%s", rec.Body.String())
	}
}

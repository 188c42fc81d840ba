package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestNewProviderUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestFileExporterWritesJSONL(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces", "traces.jsonl")

	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: tracePath})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "job.execute")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(tracePath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "trace file should contain at least one span")

	var rec SpanRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	require.Equal(t, "job.execute", rec.Name)
	require.NotEmpty(t, rec.TraceID)
	require.NotEmpty(t, rec.SpanID)
}

func TestMiddlewarePassThroughWithNilTracer(t *testing.T) {
	var called bool
	h := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.True(t, called)
}

func TestMiddlewareRecordsSpanPerRequest(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: tracePath})
	require.NoError(t, err)

	h := Middleware(p.Tracer(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/iterate", nil))
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, "http.POST /iterate", rec.Name)
	require.Equal(t, "SERVER", rec.Kind)
	require.EqualValues(t, 422, rec.Attributes[AttrHTTPStatus])
}

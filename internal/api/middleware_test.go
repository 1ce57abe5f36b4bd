package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openground/openground/internal/correlation"
)

func discardTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoggingMiddlewareEchoesCorrelationID(t *testing.T) {
	t.Parallel()

	var logged string
	handler := LoggingMiddleware(discardTestLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logged, _ = correlation.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	req.Header.Set(correlation.HeaderName, "req-abc123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", recorder.Code, http.StatusNoContent)
	}
	if got := recorder.Header().Get(correlation.HeaderName); got != "req-abc123" {
		t.Fatalf("response correlation header=%q, want %q", got, "req-abc123")
	}
	if logged != "req-abc123" {
		t.Fatalf("handler correlation id=%q, want %q", logged, "req-abc123")
	}
}

func TestLoggingMiddlewareGeneratesCorrelationID(t *testing.T) {
	t.Parallel()

	handler := LoggingMiddleware(discardTestLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	id := recorder.Header().Get(correlation.HeaderName)
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("generated correlation id %q missing req- prefix", id)
	}
}

func TestLoggingMiddlewareLogsStatusAndPath(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/prompts/missing", nil))

	line := buf.String()
	for _, want := range []string{`"msg":"request complete"`, `"status":404`, `"path":"/api/prompts/missing"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q missing %q", line, want)
		}
	}
}

func TestStatusRecorderDefaultsTo200(t *testing.T) {
	t.Parallel()

	recorder := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, err := recorder.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := recorder.StatusCode(); got != http.StatusOK {
		t.Fatalf("StatusCode()=%d, want %d", got, http.StatusOK)
	}
}

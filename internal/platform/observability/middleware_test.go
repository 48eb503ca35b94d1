package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedRouter(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, InjectLoggerMiddleware(logger), RequestLoggerMiddleware("lunch-prod"), RecoveryMiddleware(logger))
	r.Get("/admin/users/{email}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/orders", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("menu exploded")
	})
	return r
}

func TestRequestLoggerKeepsEmailsOutOfLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/admin/users/ana@example.com?as=Boss@Example.com&date=2026-03-02", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/admin/users/{email}" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["acting_as"] != "B***@example.com" || fields["order_date"] != "2026-03-02" {
		t.Fatalf("unexpected request fields %+v", fields)
	}
	if fields["status"] != int64(http.StatusNoContent) || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("unexpected status %v at %s", fields["status"], entries[0].Level)
	}
	for key, value := range fields {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), "ana@example.com") {
			t.Fatalf("field %s leaks the path email: %s", key, s)
		}
	}
}

func TestRequestLoggerLevelsAndIdempotencyKey(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(zap.New(core))

	req := httptest.NewRequest(http.MethodPost, "/orders?date=not-a-date", nil)
	req.Header.Set("Idempotency-Key", "sub-1\r\nforged: yes")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entry := logs.FilterMessage("request completed").All()[0]
	fields := entry.ContextMap()
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected 409 at warn, got %s", entry.Level)
	}
	if fields["idempotency_key"] != "sub-1forged: yes" {
		t.Fatalf("expected control characters stripped, got %q", fields["idempotency_key"])
	}
	if _, ok := fields["order_date"]; ok {
		t.Fatalf("invalid date should not be logged")
	}
}

func TestRecoveryMiddlewareReturnsEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(zap.New(core))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal_error") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected completion at error level, got %+v", completed)
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"Ana@Example.COM":   "A***@example.com",
		"  ñu@example.com ": "ñ***@example.com",
		"no-at-sign":        "***",
		"@example.com":      "***",
	}
	for in, want := range tests {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

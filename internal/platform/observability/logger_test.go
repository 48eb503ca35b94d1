package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lunchdesk/api/internal/platform/requestctx"
)

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "jobs.completed", map[string]any{"job": "daily-close", "processed": 3})
	log(context.Background(), "holidays.feed_failed", map[string]any{"error": errors.New("timeout")})
	log(context.Background(), "settings.cutoff_fallback", nil)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].ContextMap()["job"] != "daily-close" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error"] != "timeout" {
		t.Fatalf("expected feed failure at warn with error field, got %+v", entries[1])
	}
	if entries[2].Level != zapcore.WarnLevel {
		t.Fatalf("expected fallback at warn, got %s", entries[2].Level)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore).With(zap.String("request_id", "req-1")))
	EventLogger(zap.New(fallbackCore))(ctx, "order.submitted", map[string]any{"orderId": "ord_1"})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("expected fallback logger unused")
	}
	entry := requestLogs.All()[0]
	if entry.ContextMap()["request_id"] != "req-1" || entry.ContextMap()["event"] != "order.submitted" {
		t.Fatalf("unexpected entry %+v", entry.ContextMap())
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	info, spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if info.TraceID != "105445aa7843bc8bf206b12000100000" || !info.Sampled || !spanCtx.IsRemote() {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if info.SpanID != "0000000000000001" {
		t.Fatalf("unexpected span id %s", info.SpanID)
	}
	if _, _, ok := parseCloudTraceContext("short/1"); ok {
		t.Fatal("expected malformed trace id to be rejected")
	}
}

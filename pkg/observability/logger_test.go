package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", logger.GetLevel())
	}

	logger.WithField("account_id", 42).Info("Upload accepted")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "Upload accepted" || entry["account_id"] != float64(42) {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestNewLogger_Invalid(t *testing.T) {
	if _, err := NewLogger("loud", "text", nil); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := NewLogger("info", "xml", nil); err == nil {
		t.Error("Expected error for invalid format")
	}
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("Expected empty request id, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("Expected req-1, got %q", got)
	}
}

func TestLoggerFrom(t *testing.T) {
	if LoggerFrom(context.Background()) == nil {
		t.Fatal("Expected fallback logger")
	}

	var buf bytes.Buffer
	logger, _ := NewLogger("info", "json", &buf)
	ctx := WithLogger(context.Background(), logger.WithField("request_id", "req-9"))

	tp := trace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(ctx, "op")
	defer span.End()

	LoggerFrom(ctx).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to decode entry: %v", err)
	}
	if entry["request_id"] != "req-9" {
		t.Errorf("Expected request_id field, got %v", entry)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), entry["trace_id"])
	}
}

package logging

import (
	"errors"
	"io"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithOperationAddsSessionField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	WithOperation(zap.New(core), "engine.start", "sess-1").Info("hello")
	WithOperation(zap.New(core), "engine.start", "").Info("bare")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "engine.start" || fields["session_id"] != "sess-1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := entries[1].ContextMap()["session_id"]; ok {
		t.Fatal("empty session id must not be logged")
	}
}

func TestOperationErrorUnwraps(t *testing.T) {
	if NewOperationError("op", "s", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	err := NewOperationError("capture.attach", "sess-9", io.EOF)
	if !errors.Is(err, io.EOF) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.SessionID != "sess-9" {
		t.Fatalf("unexpected error: %v", err)
	}
	if err.Error() != "capture.attach (session_id=sess-9): EOF" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"verbose":  slog.LevelInfo,
		"CRITICAL": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_NeverNil(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		if New("info", format) == nil {
			t.Fatalf("New(info, %q) returned nil", format)
		}
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_42")
	if got := RequestID(ctx); got != "req_42" {
		t.Errorf("RequestID = %q, want req_42", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on bare context = %q, want empty", got)
	}
}

func TestL_FallsBackToDefault(t *testing.T) {
	if L(context.Background()) == nil {
		t.Fatal("L on bare context should return the default logger")
	}
}

func TestL_UsesContextLogger(t *testing.T) {
	logger := New("debug", "json")
	ctx := WithLogger(context.Background(), logger)
	if L(ctx) != logger {
		t.Error("L should return the logger stored on the context")
	}
}

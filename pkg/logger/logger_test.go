package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTextHandler_Format(t *testing.T) {
	var buf strings.Builder
	h := &textHandler{
		inner:  slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}),
		writer: &buf,
	}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "server started", 0)
	record.AddAttrs(slog.String("addr", ":8080"))

	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := buf.String()
	if got != "INFO server started addr=:8080\n" {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestTextHandler_VerboseIncludesTime(t *testing.T) {
	var buf strings.Builder
	h := &textHandler{
		inner:    slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}),
		writer:   &buf,
		withTime: true,
	}

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	record := slog.NewRecord(ts, slog.LevelWarn, "slow query", 0)

	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	got := buf.String()
	if !strings.HasPrefix(got, "2026/03/14 09:30:00 WARN slow query") {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestTextHandler_RespectsLevel(t *testing.T) {
	h := &textHandler{
		inner: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

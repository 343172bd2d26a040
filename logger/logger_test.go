package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
		infoOn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"invalid", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, Config{Level: tt.level, Format: "json"})

			l.Debug().Msg("debug message")
			if got := strings.Contains(buf.String(), "debug message"); got != tt.debugOn {
				t.Fatalf("debug emitted=%v want %v", got, tt.debugOn)
			}
			buf.Reset()
			l.Info().Msg("info message")
			if got := strings.Contains(buf.String(), "info message"); got != tt.infoOn {
				t.Fatalf("info emitted=%v want %v", got, tt.infoOn)
			}
		})
	}
}

func TestFrom_AddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, Config{Level: "info", Format: "json"})

	ctx := WithPartyID(WithRequestID(context.Background(), "req-123"), "party-9")
	l := From(ctx, base)
	l.Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-123" || line["party_id"] != "party-9" {
		t.Fatalf("missing context fields: %v", line)
	}
	if RequestID(ctx) != "req-123" {
		t.Fatalf("expected request id from context")
	}
}

func TestFrom_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	l := From(context.Background(), New(&buf, Config{Format: "json"}))
	l.Info().Msg("plain")
	if strings.Contains(buf.String(), "request_id") {
		t.Fatalf("unexpected request_id in %s", buf.String())
	}
	if WithContext(context.Background()) == nil {
		t.Fatal("expected non-nil logger")
	}
}

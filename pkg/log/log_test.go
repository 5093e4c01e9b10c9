package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"":        InfoLevel,
		"WARN":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %v want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithLevel(WarnLevel))
	l.Info("hidden")
	l.Warn("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn not emitted: %s", out)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithFormat("json"))
	l = l.With(Component("ledger"), Str("topic", "orders"))
	l.Info("append", Uint64("segment", 7), Err(errors.New("boom")))
	out := buf.String()
	for _, want := range []string{`"component":"ledger"`, `"topic":"orders"`, `"segment":7`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

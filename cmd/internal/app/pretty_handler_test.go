package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "relay").Info("http.request",
		"method", "post",
		"path", "/messages",
		"status", 201,
		"duration_ms", int64(12),
		"note", "two words",
	)

	out := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"component=relay",
		"method=POST",
		"path=/messages",
		"status=201",
		"duration=12ms",
		`note="two words"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output carries ANSI codes: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("record must end with a newline")
	}
}

func TestPrettyHandler_LevelFilterAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", buf.String())
	}

	log.WithGroup("ws").Warn("ws.ping.fail", slog.Group("conn", "failures", 2), "empty", "")
	out := buf.String()
	if !strings.Contains(out, "lvl=[WARN]") || !strings.Contains(out, "ws.conn.failures=2") || !strings.Contains(out, `ws.empty=""`) {
		t.Fatalf("grouped output=%q", out)
	}
}

func TestPrettyHandler_Colors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("chat.send.fail", "status", 503, "state", "failed")

	out := buf.String()
	if !strings.Contains(out, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("missing colored level: %q", out)
	}
	if !strings.Contains(out, "status="+ansiRed+"503"+ansiReset) {
		t.Fatalf("missing colored status: %q", out)
	}
	if !strings.Contains(out, "state="+ansiRed+"failed"+ansiReset) {
		t.Fatalf("missing colored state: %q", out)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"a b":       `"a b"`,
		`say "hi"`:  `"say \"hi\""`,
		"k=v":       `"k=v"`,
		"line\nnew": `"line\nnew"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%s want %s", in, got, want)
		}
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want int64
		ok   bool
	}{
		{slog.Int64Value(7), 7, true},
		{slog.Uint64Value(9), 9, true},
		{slog.Float64Value(3.9), 3, true},
		{slog.StringValue(" 42 "), 42, true},
		{slog.StringValue("x"), 0, false},
		{slog.BoolValue(true), 0, false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("valueToInt64(%v)=%d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

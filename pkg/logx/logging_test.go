package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestMask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bot token", in: "123456:AAEabcdefghijklmnopqrstuvwxyz0123456", want: "123456:AAE…3456"},
		{name: "short token secret", in: "42:abc", want: "42:***"},
		{name: "short plain", in: "hunter2", want: "***"},
		{name: "plain long", in: "redis-password-123", want: "red…-123"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Mask(tt.in); got != tt.want {
				t.Fatalf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSecretFieldNeverWritesRawValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug")
	token := "123456:AAEabcdefghijklmnopqrstuvwxyz0123456"
	log.Info("registered", Secret("token", token))

	out := buf.String()
	if strings.Contains(out, token) {
		t.Fatalf("log output contains raw token: %s", out)
	}
	if !strings.Contains(out, "123456:AAE") {
		t.Fatalf("log output missing masked token: %s", out)
	}
}

func TestWithKeepsParentFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	parent := NewJSON(&buf, "info").With(String("comp", "queue"))
	child := parent.With(String("worker", "w1"))
	child.Info("hello")
	parent.Info("world")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"worker":"w1"`) || !strings.Contains(lines[0], `"comp":"queue"`) {
		t.Fatalf("child line missing fields: %s", lines[0])
	}
	if strings.Contains(lines[1], "worker") {
		t.Fatalf("parent logger picked up child field: %s", lines[1])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept")
	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatalf("Enabled() disagrees with configured level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens", Int("n", 1))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := Truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("short", 12); got != "short" {
		t.Fatalf("Truncate = %q", got)
	}
}

func TestLevelNames(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		valid bool
		want  Level
	}{
		{in: "", valid: true, want: LevelInfo},
		{in: "DEBUG", valid: true, want: LevelDebug},
		{in: " warning ", valid: true, want: LevelWarn},
		{in: "error", valid: true, want: LevelError},
		{in: "fatal", valid: false, want: LevelInfo},
		{in: "loud", valid: false, want: LevelInfo},
	}
	for _, tt := range tests {
		if got := ValidLevel(tt.in); got != tt.valid {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tt.in, got, tt.valid)
		}
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIdentifierFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewJSON(&buf, "info").Info("sent", BotID("b1"), ChatID(42), JobID("j1"), BroadcastID("bc1"))
	out := buf.String()
	for _, want := range []string{`"bot_id":"b1"`, `"chat_id":42`, `"job_id":"j1"`, `"broadcast_id":"bc1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}
}

package chzzkchat

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSanitizeAndTruncate(t *testing.T) {
	token := strings.Repeat("a1B2", 12)
	got := sanitizeAndTruncate("accTkn "+token+"\n tail", 200)
	if strings.Contains(got, token) {
		t.Fatalf("token leaked: %q", got)
	}
	if got != "accTkn [REDACTED] tail" {
		t.Fatalf("unexpected sanitize result %q", got)
	}

	long := strings.Repeat("가", 40)
	cut := sanitizeAndTruncate(long, 20)
	if !strings.HasSuffix(cut, "...") {
		t.Fatalf("expected ellipsis, got %q", cut)
	}
	if !utf8.ValidString(cut) {
		t.Fatalf("truncation split a rune: %q", cut)
	}
}

func TestDropLoggerSummarizesPerReason(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	start := time.Unix(0, 0)
	d := newDropLogger(logger, start, false, time.Second)
	d.note(start, "bad_profile", "chat", `{"uid":"u1"}`)
	d.note(start, "bad_profile", "donation", `{"uid":"u2"}`)
	d.note(start, "no_msg", "chat", `{"uid":"u3"}`)
	if buf.Len() != 0 {
		t.Fatalf("expected no output before the interval, got %q", buf.String())
	}

	d.note(start.Add(time.Second), "bad_profile", "chat", `{"uid":"u4"}`)
	out := buf.String()
	if !strings.Contains(out, "chzzkchat: dropped_bad_profile") {
		t.Fatalf("missing bad_profile summary: %q", out)
	}
	if !strings.Contains(out, "total=3") {
		t.Fatalf("expected total=3 in %q", out)
	}
	if !strings.Contains(out, "chzzkchat: dropped_no_msg") {
		t.Fatalf("missing no_msg summary: %q", out)
	}
	if strings.Contains(out, "dropped element") {
		t.Fatalf("per-drop lines should only appear in verbose mode: %q", out)
	}
}

func TestDropLoggerVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	d := newDropLogger(logger, time.Unix(0, 0), true, time.Minute)
	d.note(time.Unix(1, 0), "bad_frame", "unknown", "not json")
	if !strings.Contains(buf.String(), "chzzkchat: dropped element") {
		t.Fatalf("expected verbose drop line, got %q", buf.String())
	}
}

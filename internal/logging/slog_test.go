package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h)), &buf
}

func TestSlogLogger_Levels(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.Warn(ctx, "wrn", "c", 3)
	log.Error(ctx, "err", "d", 4)

	out := buf.String()
	for _, want := range []string{"level=DEBUG", "level=INFO", "level=WARN", "level=ERROR", "msg=dbg", "b=2", "d=4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestSlogLogger_With(t *testing.T) {
	log, buf := newTestLogger(t)
	log.With("identity", "abc").Info(context.Background(), "hello", "k", "v")

	out := buf.String()
	for _, want := range []string{"identity=abc", "msg=hello", "k=v"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("json", "warn", &buf)
	ctx := context.Background()

	log.Info(ctx, "dropped")
	log.Warn(ctx, "kept", "blob_id", "b1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	if entry["msg"] != "kept" || entry["blob_id"] != "b1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New("text", "debug", &buf)
	log.Debug(context.Background(), "sweep started", "dry_run", true)

	if !strings.Contains(buf.String(), "sweep started") {
		t.Fatalf("expected message in output: %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	Nop().Error(context.TODO(), "ignored")
}

package obs

import (
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesToExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter})
	defer logger.Close()

	logger.Info("session created", "session_id_hash", "abc123")

	// exports happen on a goroutine, so poll briefly before asserting on
	// the exported entry.
	deadline := time.Now().Add(time.Second)
	for len(exporter.Entries()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	entries := exporter.Entries()
	if len(entries) != 1 || entries[0].Message != "session created" || entries[0].Level != LevelInfo {
		t.Fatalf("got exported entries %+v, want one INFO \"session created\"", entries)
	}
}

func TestLevelStrings(t *testing.T) {
	cases := map[Level]string{LevelDebug: "DEBUG", LevelInfo: "INFO", LevelWarn: "WARN", LevelError: "ERROR"}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestWriterExporterFormatsEntry(t *testing.T) {
	var sb strings.Builder
	exporter := NewWriterExporter(&sb)
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter})
	logger.Info("test message")
	_ = logger.Close()

	var out string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		exporter.mu.Lock()
		out = sb.String()
		exporter.mu.Unlock()
		if out != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(out, "INFO: test message") {
		t.Fatalf("got exporter output %q, want it to contain %q", out, "INFO: test message")
	}
}

func TestDefaultLoggerDoesNotPanic(t *testing.T) {
	logger := Default()
	logger.Info("hello")
	logger.With("k", "v").Warn("adjusted")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

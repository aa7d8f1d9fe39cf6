package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"trill/internal/infra/config"
)

func TestLevelSelection(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		log, closer, err := New(config.LoggerConfig{Level: in, Output: "stderr"})
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		closer()
		if !log.Enabled(context.Background(), want) {
			t.Errorf("level %q: %v should be enabled", in, want)
		}
		if want > slog.LevelDebug && log.Enabled(context.Background(), want-4) {
			t.Errorf("level %q: %v should be disabled", in, want-4)
		}
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trill.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Info("gateway connected", "shard", 0)
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"gateway connected"`) {
		t.Errorf("log file missing entry: %s", data)
	}
	// Debug output carries the call site.
	if !strings.Contains(string(data), `"source"`) {
		t.Errorf("debug log missing source attribute: %s", data)
	}
}

func TestNewDefaultsToStderrText(t *testing.T) {
	log, closer, err := New(config.LoggerConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer()

	if log == nil {
		t.Fatal("nil logger")
	}
	if !log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info level should be enabled by default")
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should be disabled by default")
	}
}

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Component(base, "voice").Info("socket opened")

	if !strings.Contains(buf.String(), "component=voice") {
		t.Errorf("child logger missing component tag: %s", buf.String())
	}
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"trill/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds the process root logger. Engine components hang child loggers
// off it via Component; per-connection attributes stack on top with With.
// The returned closer releases the output when it is a file.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	level, ok := levels[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level: level,
		// Debug runs chase connection lifecycles; call sites matter there.
		AddSource: level == slog.LevelDebug,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

// Component tags a child logger for one engine component. Every log line
// from the gateway client, voice sessions, the dispatcher, and the session
// store carries the component attribute so a shard's streams can be torn
// apart in aggregate output.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

func openOutput(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}

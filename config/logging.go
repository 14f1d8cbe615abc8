package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewLogger builds the logger described by cfg. The returned closer
// releases the log file when Output names one.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	var out io.WriteCloser
	switch cfg.Output {
	case "", "stderr":
		out = nopCloser{os.Stderr}
	case "stdout":
		out = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output %s: %w", cfg.Output, err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level.Level(),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		_ = out.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.Format)
	}
	return slog.New(handler), out, nil
}

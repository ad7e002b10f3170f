package slogx

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// Format selects the zerolog writer behind the slog handler.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds a slog.Logger backed by zerolog. Console output is the
// human-friendly zerolog.ConsoleWriter, JSON output is zerolog's native
// encoding.
func New(w io.Writer, level slog.Level, format Format) (*slog.Logger, error) {
	var zl zerolog.Logger
	switch Format(strings.ToLower(string(format))) {
	case FormatConsole, "":
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
		zl = zerolog.New(output).With().Timestamp().Logger()
	case FormatJSON:
		zl = zerolog.New(w).With().Timestamp().Logger()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level})), nil
}

// Setup builds a logger with New, parses level ("debug", "info", "warn",
// "error") and installs the result as slog's default.
func Setup(w io.Writer, level string, format Format) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger, err := New(w, lvl, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

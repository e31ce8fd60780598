// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const permission = 0664

// Options selects where and how logs are written
type Options struct {
	Level  string    // debug, info, warn, error; empty means info
	Format string    // "json" or "console"
	Path   string    // append to this file instead of Writer
	Writer io.Writer // defaults to stderr
}

// New returns a timestamped logger and the file it writes to, if any.
// The caller closes the file.
func New(opts Options) (zerolog.Logger, *os.File, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("parsing log level: %w", err)
		}
		level = parsed
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	var file *os.File
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
		w = zerolog.SyncWriter(f)
	}

	switch strings.ToLower(opts.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: opts.Path != ""}
	default:
		if file != nil {
			file.Close()
		}
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, file, nil
}

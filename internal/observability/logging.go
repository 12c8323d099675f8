// Package observability centralizes memoryd's logging setup, the same way
// the teacher repo's internal/observability does for its daemons.
package observability

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// serviceName tags every log line so memoryd's output is distinguishable
// once aggregated alongside the other daemons it's deployed next to.
const serviceName = "memoryd"

// InitLogger wires zerolog as the process-wide logger, tagging every line
// with serviceName. If logPath is non-empty, logs go to that file
// instead of stdout; on failure it falls back to stdout and reports the
// error on stderr.
func InitLogger(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(openLogWriter(logPath)).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	zerolog.SetGlobalLevel(parseLevel(level))

	// Captures any stray standard-library log.Print call from a dependency
	// rather than letting it bypass zerolog entirely.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func openLogWriter(logPath string) io.Writer {
	if logPath == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability: failed to open log file %q, falling back to stdout: %v\n", logPath, err)
		return os.Stdout
	}
	return f
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

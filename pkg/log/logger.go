package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level    string    // optional log level ("debug", "info", etc.)
	Output   io.Writer // console writer (defaults to os.Stderr)
	JSONFile string    // optional event log, one JSON object per line
	NoColor  bool
}

var (
	mu      sync.Mutex
	base    zerolog.Logger
	logFile *os.File
	ready   bool
)

// Configure (re)initialises the global logger.  Calling it again replaces the
// previous configuration and closes a previously opened event log.
func Configure(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	raw := cfg.Level
	if raw == "" {
		raw = os.Getenv("TBOT_LOG_LEVEL")
	}
	if raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	console := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: "15:04:05",
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var w io.Writer = console
	if cfg.JSONFile != "" {
		f, err := os.OpenFile(cfg.JSONFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		logFile = f
		w = zerolog.MultiLevelWriter(console, f)
	}

	base = zerolog.New(w).With().Timestamp().Logger()
	ready = true
	return nil
}

// Close flushes and closes the event log, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func logger() zerolog.Logger {
	mu.Lock()
	if !ready {
		mu.Unlock()
		_ = Configure(Config{})
		mu.Lock()
	}
	l := base
	mu.Unlock()
	return l
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// LevelFromVerbosity maps the -v/-q counters of the command line to a level.
func LevelFromVerbosity(verbose, quiet int) string {
	switch {
	case quiet > 0:
		return zerolog.WarnLevel.String()
	case verbose >= 2:
		return zerolog.TraceLevel.String()
	case verbose == 1:
		return zerolog.DebugLevel.String()
	default:
		return zerolog.InfoLevel.String()
	}
}

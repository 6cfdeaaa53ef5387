// Package logging configures structured JSON logging for memvault.
//
// Logs go to a rotating file inside the project state directory, mirrored
// to stderr. Fallback chains and cross-store drift are logged as warnings
// with a "category" attribute so they can be grepped per concern.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means stderr only.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr also mirrors log output to stderr (default: true).
	WriteToStderr bool
}

// DefaultConfig returns sensible defaults for file logging under the given
// state directory. Pass an empty stateDir for stderr-only logging.
func DefaultConfig(stateDir string) Config {
	cfg := Config{
		Level:         "info",
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
	if stateDir != "" {
		cfg.FilePath = LogPath(stateDir)
	}
	return cfg
}

// Setup initializes logging and returns the logger plus a cleanup function
// that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var output io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.FilePath != "" {
		writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		if cfg.WriteToStderr {
			output = io.MultiWriter(writer, os.Stderr)
		} else {
			output = writer
		}
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	return slog.New(handler), cleanup, nil
}

// SetupDefault sets up logging and installs it as the default slog logger.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// Warning categories attached to fallback and drift log lines.
const (
	CategoryFallback = "fallback"
	CategoryDrift    = "drift"
	CategorySchema   = "schema"
)

// Fallback logs a categorized warning for a degraded search strategy.
func Fallback(logger *slog.Logger, from, to string, err error) {
	logger.Warn("search_strategy_fallback",
		slog.String("category", CategoryFallback),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("error", err.Error()))
}

// DriftWarning logs a cross-store inconsistency after a successful
// relational write. The write itself still reports success.
func DriftWarning(logger *slog.Logger, op string, id int64, err error) {
	logger.Warn("vector_store_drift",
		slog.String("category", CategoryDrift),
		slog.String("op", op),
		slog.Int64("id", id),
		slog.String("error", err.Error()))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

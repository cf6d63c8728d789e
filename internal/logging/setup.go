package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pawciobiel/golubrelay/internal/config"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds a logger writing to w and installs it as the slog default.
func Setup(logConfig *config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(logConfig.Level),
	}

	var handler slog.Handler
	switch logConfig.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

var (
	logger *slog.Logger
	once   sync.Once
)

func InitLogging(logConfig *config.LoggingConfig) {
	once.Do(func() {
		logger = Setup(logConfig, os.Stdout)
	})
}

func GetLogger() *slog.Logger {
	if logger == nil {
		panic("logger not initialized. Call logging.InitLogging(cfg) first.")
	}
	return logger
}

func InitTestLogging() {
	level := "error" // Quiet during tests by default
	if os.Getenv("DEBUG") == "1" {
		level = "debug"
	}

	logger = Setup(&config.LoggingConfig{
		Level:  level,
		Format: "text",
	}, os.Stderr)
}

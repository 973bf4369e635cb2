package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logFileName = "engine.log"
	// MaxLogBytes is the size at which engine.log is rotated on open.
	MaxLogBytes int64 = 10 << 20
)

// FileLogger is a JSON logger writing to <dataDir>/logs/engine.log. When
// disabled, Logger discards everything and Close is a no-op.
type FileLogger struct {
	Logger  *slog.Logger
	Close   func() error
	Path    string
	Enabled bool
}

func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func disabled() FileLogger {
	return FileLogger{Logger: Nop(), Close: func() error { return nil }}
}

// ParseLevel maps debug/info/warn/error to a slog level. Empty input is info.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
}

// NewFileLogger opens the engine log at the given level. A nil level
// disables file logging entirely.
func NewFileLogger(dataDir string, level *slog.Level) (FileLogger, error) {
	if level == nil {
		return disabled(), nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return disabled(), err
	}
	path := filepath.Join(logDir, logFileName)
	if err := rotate(path, MaxLogBytes); err != nil {
		return disabled(), err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return disabled(), err
	}
	logger := slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:     *level,
		AddSource: *level <= slog.LevelDebug,
	}))
	return FileLogger{Logger: logger, Close: file.Close, Path: path, Enabled: true}, nil
}

// rotate keeps a single previous generation as <path>.1.
func rotate(path string, limit int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < limit {
		return nil
	}
	return os.Rename(path, path+".1")
}

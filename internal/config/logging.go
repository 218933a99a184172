package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// Rotating File Writer
// =============================================================================

// RotatingFileWriter is an io.Writer that rotates by size: when the current
// file would exceed maxBytes it becomes file.1, file.1 becomes file.2, and
// so on up to backupCount.
type RotatingFileWriter struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	backupCount int
	file        *os.File
	size        int64
}

// NewRotatingFileWriter opens path for appending, creating its directory.
// maxBytes <= 0 disables rotation.
func NewRotatingFileWriter(path string, maxBytes, backupCount int) (*RotatingFileWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create log dir: %w", err)
		}
	}

	rw := &RotatingFileWriter{
		path:        path,
		maxBytes:    int64(maxBytes),
		backupCount: backupCount,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingFileWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("config: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("config: stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write rotates first if p would push the file past maxBytes. A record
// larger than maxBytes still goes into a fresh file whole.
func (rw *RotatingFileWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.maxBytes > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: log rotation failed: %v\n", err)
		}
	}
	if rw.file == nil {
		return 0, os.ErrClosed
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file.
func (rw *RotatingFileWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// rotate shifts file -> file.1 -> file.2 ... and reopens file.
func (rw *RotatingFileWriter) rotate() error {
	rw.file.Close()
	rw.file = nil

	for i := rw.backupCount; i > 0; i-- {
		src := rw.path
		if i > 1 {
			src = fmt.Sprintf("%s.%d", rw.path, i-1)
		}
		dst := fmt.Sprintf("%s.%d", rw.path, i)
		_ = os.Remove(dst)
		_ = os.Rename(src, dst) // src may not exist yet
	}
	return rw.open()
}

// =============================================================================
// Logger setup
// =============================================================================

// ParseLevel maps debug/info/warn/error (any case) onto slog levels. Empty
// means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}

// NewLogger builds a text logger over w at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ConfigureLogging builds the process logger from cfg: a rotating file,
// optionally tee'd to stderr, falling back to stderr alone when the file
// cannot be opened. The logger is installed as slog's default.
//
// The returned cleanup closes the log file; call it on shutdown.
func ConfigureLogging(cfg *Config) (*slog.Logger, func(), error) {
	var (
		writers []io.Writer
		closers []io.Closer
		fileErr error
	)

	if cfg.Logging.File != "" {
		rw, err := NewRotatingFileWriter(cfg.Logging.File, cfg.Logging.MaxBytes, cfg.Logging.BackupCount)
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, rw)
			closers = append(closers, rw)
		}
	}
	if cfg.Logging.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}

	logger := NewLogger(w, cfg.Logging.Level)
	slog.SetDefault(logger)
	if fileErr != nil {
		logger.Warn("file logging disabled", "error", fileErr)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return logger, cleanup, fileErr
}

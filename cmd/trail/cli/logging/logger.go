// Package logging provides structured logging for trail using slog.
//
// Logs are JSON lines written to .trail/logs/<session-id>.log. Hook handlers
// log at WARN or below and never surface failures to the host git operation.
//
//	if err := logging.Init(sessionID); err != nil { ... }
//	defer logging.Close()
//
//	ctx := logging.WithComponent(context.Background(), "checkpoint")
//	logging.Info(ctx, "step recorded", slog.Int("files", n))
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/validation"
)

// LogLevelEnvVar overrides the configured log level.
const LogLevelEnvVar = "TRAIL_LOG_LEVEL"

var (
	logger           *slog.Logger
	logFile          *os.File
	logBufWriter     *bufio.Writer
	currentSessionID string

	// mu protects all of the above.
	mu sync.RWMutex

	// logLevelGetter reads the level from settings without a package cycle.
	logLevelGetter func() string
)

// SetLogLevelGetter installs a callback used when LogLevelEnvVar is unset.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = getter
}

// Init opens the per-session log file. Falls back to stderr when the log
// directory cannot be created.
func Init(sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session ID for logging: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	levelStr := os.Getenv(LogLevelEnvVar)
	if levelStr == "" && logLevelGetter != nil {
		levelStr = logLevelGetter()
	}
	level := parseLogLevel(levelStr)

	repoRoot, err := paths.RepoRoot()
	if err != nil {
		repoRoot = "."
	}

	logsPath := filepath.Join(repoRoot, paths.TrailLogsDir)
	if err := os.MkdirAll(logsPath, 0o750); err != nil {
		logger = newLogger(os.Stderr, level)
		return nil
	}

	f, err := os.OpenFile(filepath.Join(logsPath, sessionID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // sessionID validated above
	if err != nil {
		logger = newLogger(os.Stderr, level)
		return nil
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = newLogger(logBufWriter, level)
	currentSessionID = sessionID
	return nil
}

// Close flushes and closes the log file. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	currentSessionID = ""
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func getSessionID() string {
	mu.RLock()
	defer mu.RUnlock()
	return currentSessionID
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at DEBUG level with context values extracted automatically.
func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs at INFO level with context values extracted automatically.
func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs at WARN level with context values extracted automatically.
func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs at ERROR level with context values extracted automatically.
func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration logs a message with duration_ms computed from start. Designed
// for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelDebug, "hook executed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	all := make([]any, 0, len(attrs)+1)
	all = append(all, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	all = append(all, attrs...)
	log(ctx, level, msg, all...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()

	var all []any
	sessionID := getSessionID()
	if sessionID != "" {
		all = append(all, slog.String("session_id", sessionID))
	}
	for _, a := range attrsFromContext(ctx, sessionID) {
		all = append(all, a)
	}
	all = append(all, attrs...)

	// Context values are already extracted as attributes.
	l.Log(context.Background(), level, msg, all...)
}

func attrsFromContext(ctx context.Context, globalSessionID string) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	if globalSessionID == "" {
		if s, ok := ctx.Value(sessionIDKey).(string); ok && s != "" {
			attrs = append(attrs, slog.String("session_id", s))
		}
	}
	if s, ok := ctx.Value(componentKey).(string); ok && s != "" {
		attrs = append(attrs, slog.String("component", s))
	}
	if s, ok := ctx.Value(agentKey).(string); ok && s != "" {
		attrs = append(attrs, slog.String("agent", s))
	}
	return attrs
}

package vecsafe

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with vecsafe-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithCollection returns a Logger scoped to one collection.
func (l *Logger) WithCollection(id string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("collection", id))}
}

// WithOperation returns a Logger scoped to one operation.
func (l *Logger) WithOperation(id string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("operation", id))}
}

// LogCheck logs a completed consistency check.
func (l *Logger) LogCheck(status string, issues int) {
	l.Info("consistency check",
		slog.String("status", status),
		slog.Int("issues", issues))
}

// LogCheckpoint logs a completed checkpoint.
func (l *Logger) LogCheckpoint(archiveID string, collections int, bytes int64) {
	l.Info("checkpoint",
		slog.String("archive", archiveID),
		slog.Int("collections", collections),
		slog.Int64("bytes", bytes))
}

// LogDelete logs a committed collection deletion.
func (l *Logger) LogDelete(collectionID string) {
	l.Info("collection deleted", slog.String("collection", collectionID))
}

// LogRename logs a committed collection rename.
func (l *Logger) LogRename(oldID, newID string) {
	l.Info("collection renamed",
		slog.String("collection", oldID),
		slog.String("new_id", newID))
}

// LogRestore logs a completed archive restore.
func (l *Logger) LogRestore(archiveID string, collections int) {
	l.Info("archive restored",
		slog.String("archive", archiveID),
		slog.Int("collections", collections))
}

// LogRecovery logs a completed recovery run.
func (l *Logger) LogRecovery(succeeded, failed int) {
	l.Info("recovery run",
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed))
}

// LogCleanup logs a backup retention run.
func (l *Logger) LogCleanup(removed int) {
	l.Info("backup cleanup", slog.Int("removed", removed))
}

// Package logging wraps zap for kbcore's structured logging, configured
// from the environment the way the rest of the ambient stack is.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger with kbcore's domain helpers.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a Logger from LOG_LEVEL and ENVIRONMENT env vars: JSON
// encoding in any environment other than "development", console
// encoding with colorized levels in development.
func New() *Logger {
	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	var level zapcore.Level

	env := os.Getenv("ENVIRONMENT")
	logLevel := os.Getenv("LOG_LEVEL")

	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	if env == "development" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(config)
	} else {
		encoder = zapcore.NewJSONEncoder(config)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{logger.Sugar()}
}

// WithFields creates a new logger with additional key/value pairs.
func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{l.With(fields...)}
}

// WithError creates a new logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{l.With("error", err)}
}

// WithKB creates a new logger scoped to a knowledge base.
func (l *Logger) WithKB(kbID string) *Logger {
	return &Logger{l.With("knowledge_base_id", kbID)}
}

// WithDocument creates a new logger scoped to a document.
func (l *Logger) WithDocument(documentID string) *Logger {
	return &Logger{l.With("document_id", documentID)}
}

// WithTask creates a new logger scoped to a queued task.
func (l *Logger) WithTask(taskID, kind string) *Logger {
	return &Logger{l.With("task_id", taskID, "task_kind", kind)}
}

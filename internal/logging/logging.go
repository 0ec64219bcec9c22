// Package logging provides the category-scoped logger used throughout the
// coordination plane: one named child logger per subsystem. Every logger
// is constructed explicitly and threaded through constructors instead of
// read from a package-level singleton, and every category is just a
// zap.Logger field rather than a bespoke file handle.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies which subsystem emitted a log line.
type Category string

const (
	CategoryStore      Category = "store"
	CategoryQueue      Category = "queue"
	CategoryTaskFSM    Category = "taskfsm"
	CategoryConvoy     Category = "convoy"
	CategoryHealth     Category = "health"
	CategorySupervisor Category = "supervisor"
	CategoryGates      Category = "gates"
	CategoryDeveloper  Category = "developer"
	CategoryCAB        Category = "cab"
	CategoryTester     Category = "tester"
	CategoryRefinery   Category = "refinery"
	CategoryLibrarian  Category = "librarian"
)

// New builds a production zap.Logger at the given level ("debug", "info",
// "warning" or "error").
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG", "debug":
		return zapcore.DebugLevel
	case "WARNING", "warning", "WARN", "warn":
		return zapcore.WarnLevel
	case "ERROR", "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// For returns a child logger tagged with the given category. It takes the
// parent logger explicitly rather than reading a package-level base
// logger.
func For(base *zap.Logger, category Category) *zap.Logger {
	return base.With(zap.String("component", string(category)))
}

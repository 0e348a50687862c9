// Package logging provides categorized file-based logging for maestro.
// Logs are written to <workspace>/.workflow/logs/ with one file per category,
// backed by zap cores. When debug mode is off only warnings and errors are
// written; Initialize is a no-op until a workspace is set.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and wiring
	CategoryStore    Category = "store"    // Repository operations
	CategoryBudget   Category = "budget"   // Spend tracking and enforcement
	CategoryAudit    Category = "audit"    // Invocation recording, sessions
	CategoryEvaluate Category = "evaluate" // G-Eval scoring, analysis
	CategoryOptimize Category = "optimize" // Prompt optimization, deployment
	CategoryWorkflow Category = "workflow" // Engine, nodes, routers
	CategoryAgent    Category = "agent"    // External agent invocations
	CategoryEvents   Category = "events"   // Progress broadcast
)

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	logsDir   string
	debugMode bool
	enabled   map[Category]bool
)

// Initialize sets up the logging directory. Categories may be restricted via
// cats; nil enables all. Safe to call more than once; later calls rebind.
func Initialize(workspace string, debug bool, cats map[Category]bool) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	dir := filepath.Join(workspace, ".workflow", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	logsDir = dir
	debugMode = debug
	enabled = cats
	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns the logger for a category, creating it lazily. Before
// Initialize (or for a disabled category) the logger discards everything
// below the error level and writes errors to stderr.
func Get(cat Category) *Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := build(cat)
	loggers[cat] = l
	return l
}

func build(cat Category) *Logger {
	if logsDir == "" || (enabled != nil && !enabled[cat]) {
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.ErrorLevel,
		)
		return &Logger{category: cat, sugar: zap.New(core).Sugar()}
	}

	level := zapcore.InfoLevel
	if debugMode {
		level = zapcore.DebugLevel
	}

	path := filepath.Join(logsDir, string(cat)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.WarnLevel,
		)
		return &Logger{category: cat, sugar: zap.New(core).Sugar()}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(file),
		level,
	)
	sugar := zap.New(core).Sugar().With("category", string(cat))
	return &Logger{category: cat, sugar: sugar}
}

// Debug logs at debug level with Printf formatting.
func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }

// Info logs at info level with Printf formatting.
func (l *Logger) Info(format string, args ...any) { l.sugar.Infof(format, args...) }

// Warn logs at warn level with Printf formatting.
func (l *Logger) Warn(format string, args ...any) { l.sugar.Warnf(format, args...) }

// Error logs at error level with Printf formatting.
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Convenience helpers for the hottest categories.

// Workflow logs an info message in the workflow category.
func Workflow(format string, args ...any) { Get(CategoryWorkflow).Info(format, args...) }

// WorkflowDebug logs a debug message in the workflow category.
func WorkflowDebug(format string, args ...any) { Get(CategoryWorkflow).Debug(format, args...) }

// StoreDebug logs a debug message in the store category.
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }

// Budget logs an info message in the budget category.
func Budget(format string, args ...any) { Get(CategoryBudget).Info(format, args...) }

// Agent logs an info message in the agent category.
func Agent(format string, args ...any) { Get(CategoryAgent).Info(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation within a category.
func StartTimer(cat Category, operation string) *Timer {
	return &Timer{category: cat, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level, or warn above one second.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s took %s", t.operation, elapsed)
		return
	}
	l.Debug("%s took %s", t.operation, elapsed)
}

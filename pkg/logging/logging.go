package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel is the minimum severity a handler emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// SlogLevel maps the level onto slog. Out of range levels become info.
func (l LogLevel) SlogLevel() slog.Level {
	if l < LevelDebug || l > LevelError {
		return slog.LevelInfo
	}
	return slog.Level(4 * (int(l) - 1))
}

// ParseLevel reads a level name case-insensitively. "warning" is accepted
// for warn; anything unknown yields LevelInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// auditPrefix marks security relevant log lines so they can be filtered out
// of regular output by log shippers.
const auditPrefix = "SECURITY_AUDIT: "

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
)

func initWithHandler(handler slog.Handler) {
	mu.Lock()
	defaultLogger = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(defaultLogger)
}

// InitForCLI initializes the logging system with a human readable text handler.
func InitForCLI(filterLevel LogLevel, output io.Writer) {
	initWithHandler(slog.NewTextHandler(output, &slog.HandlerOptions{Level: filterLevel.SlogLevel()}))
}

// InitJSON initializes the logging system with a JSON handler, used when the
// output is consumed by a log pipeline rather than a terminal.
func InitJSON(filterLevel LogLevel, output io.Writer) {
	initWithHandler(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: filterLevel.SlogLevel()}))
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Logger returns a *slog.Logger that tags every record with the subsystem.
// Falls back to slog.Default when the package has not been initialized.
func Logger(subsystem string) *slog.Logger {
	l := logger()
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("subsystem", subsystem))
}

func format(messageFmt string, args []interface{}) string {
	if len(args) == 0 {
		return messageFmt
	}
	return fmt.Sprintf(messageFmt, args...)
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	l := logger()
	if l == nil {
		// Before Init only errors reach stderr.
		if level >= LevelError {
			fmt.Fprintf(os.Stderr, "%s %s [%s] %s: %v\n",
				time.Now().Format(time.RFC3339), level, subsystem, format(messageFmt, args), err)
		}
		return
	}

	ctx := context.Background()
	if !l.Enabled(ctx, level.SlogLevel()) {
		return
	}

	attrs := make([]slog.Attr, 1, 2)
	attrs[0] = slog.String("subsystem", subsystem)
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	l.LogAttrs(ctx, level.SlogLevel(), format(messageFmt, args), attrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// Audit writes a SECURITY_AUDIT line at info level. Token values must never
// be passed as attributes; use identifiers, endpoints and expiry instead.
func Audit(subsystem, event, message string, attrs ...slog.Attr) {
	l := logger()
	if l == nil {
		return
	}
	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.String("subsystem", subsystem), slog.String("event", event))
	all = append(all, attrs...)
	l.LogAttrs(context.Background(), slog.LevelInfo, auditPrefix+message, all...)
}

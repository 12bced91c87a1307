// Package logx provides leveled printf-style logging with an in-memory
// buffer of recent entries and an optional secondary output (used by the
// wrapper to mirror its log into data/<agent>_wrapper.log).
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes timestamped, level-tagged lines for one named component.
type Logger struct {
	name   string
	logger *log.Logger
	mu     sync.Mutex
	tee    io.Writer
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// LogEntry is a structured log entry kept in the in-memory buffer.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// InMemoryLogBuffer stores recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

var (
	debugEnabled bool
	debugMutex   sync.RWMutex

	// Global in-memory buffer, capped at the last 1000 entries.
	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugEnabled = true
	}
}

func NewLogger(name string) *Logger {
	return &Logger{
		name:   name,
		logger: log.New(os.Stderr, "", 0), // Log to stderr for CLI compatibility
	}
}

// SetDebug toggles debug-level output globally.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugEnabled
}

// Tee mirrors every line this logger emits into w (in addition to stderr).
// Passing nil removes the mirror.
func (l *Logger) Tee(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tee = w
}

// AddLogEntry appends an entry, dropping the oldest beyond maxSize.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current entries, optionally filtered by
// component name and a lower timestamp bound.
func (b *InMemoryLogBuffer) GetLogEntries(name string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if name != "" && !strings.EqualFold(entry.Name, name) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampLayout, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns recent entries from the global buffer.
func GetRecentLogEntries(name string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(name, since)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampLayout)
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.name, level, message)
	l.logger.Println(logLine)

	l.mu.Lock()
	if l.tee != nil {
		fmt.Fprintln(l.tee, logLine) //nolint:errcheck // Mirror writes are best-effort
	}
	l.mu.Unlock()

	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: timestamp,
		Name:      l.name,
		Level:     string(level),
		Message:   message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Name() string {
	return l.name
}

// WithName returns a logger that shares outputs but tags lines differently.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		name:   name,
		logger: l.logger,
		tee:    l.tee,
	}
}

// Global logging functions for convenience.
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "open store") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}

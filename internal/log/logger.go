package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// Logger provides structured logging
type Logger struct {
	mu     *sync.Mutex
	level  Level
	output io.Writer
	fields map[string]interface{}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewLogger creates a new logger with the specified level
func NewLogger(level Level) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		output: os.Stderr,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{mu: &sync.Mutex{}, level: LevelError + 1, output: io.Discard}
}

// SetOutput sets the output writer for the logger
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{mu: l.mu, level: l.level, output: l.output, fields: merged}
}

// log writes a structured log entry
func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	if len(l.fields) > 0 {
		merged := make(map[string]interface{}, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     levelNames[level],
		Message:   message,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(l.output, "[%s] %s: %s\n", entry.Timestamp, entry.Level, message)
		return
	}

	fmt.Fprintln(l.output, string(data))
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(LevelDebug, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(LevelInfo, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(LevelWarn, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(LevelError, message, fields)
}

// LogReading logs an ingested reading
func (l *Logger) LogReading(temperature, humidity float64, at time.Time) {
	l.Debug("reading ingested", map[string]interface{}{
		"temperature": temperature,
		"humidity":    humidity,
		"at":          at.Format(time.RFC3339),
	})
}

// LogConnection logs a link state change
func (l *Logger) LogConnection(state string, port string, err error) {
	fields := map[string]interface{}{
		"state": state,
		"port":  port,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("link state changed", fields)
		return
	}
	l.Info("link state changed", fields)
}

// LogConfigLoad logs a config load event
func (l *Logger) LogConfigLoad(success bool, path string, err error) {
	fields := map[string]interface{}{
		"path": path,
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	if success {
		l.Info("config loaded", fields)
	} else {
		l.Error("config load failed", fields)
	}
}

// LogError logs a general error
func (l *Logger) LogError(component string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = component
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("error occurred", fields)
}

// ParseLevel parses a log level string
func ParseLevel(levelStr string) Level {
	switch levelStr {
	case "DEBUG", "debug":
		return LevelDebug
	case "INFO", "info":
		return LevelInfo
	case "WARN", "warn", "WARNING", "warning":
		return LevelWarn
	case "ERROR", "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// OpenFile returns a logger appending to path, for use while the terminal
// is owned by the dashboard.
func OpenFile(path string, level Level) (*Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	l := NewLogger(level)
	l.SetOutput(f)
	return l, f, nil
}

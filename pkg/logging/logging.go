// Package logging is the storage engine's structured logging surface:
// leveled, field-tagged log entries in text or JSON, with optional file
// rotation. It carries dataspace-oriented contextual helpers (WithHandle,
// WithCollection, WithOperation) rather than object-storage fields.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/dbpf/internal/handle"
)

// Level is a logging severity, ordered low to high.
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the canonical name of the level.
func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively, accepting "WARNING"
// as an alias for WARN.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format is the wire shape of emitted log entries.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Entry is one complete, rendered log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// Logger is a leveled, field-tagged structured logger. A Logger is safe
// for concurrent use.
type Logger struct {
	mu              sync.RWMutex
	level           Level
	output          io.Writer
	format          Format
	contextFields   map[string]interface{}
	includeCaller   bool
	includeStack    bool // only ERROR and FATAL
	componentLevels map[string]Level
	rotator         *Rotator
}

// Config configures a new Logger.
type Config struct {
	Level         Level
	Output        io.Writer
	Format        Format
	IncludeCaller bool
	IncludeStack  bool
	Rotation      *RotationConfig
}

// DefaultConfig returns the engine's default logging configuration:
// INFO level, text format, stdout, caller capture on.
func DefaultConfig() *Config {
	return &Config{
		Level:         INFO,
		Format:        FormatText,
		IncludeCaller: true,
		IncludeStack:  false,
	}
}

// New builds a Logger from config. A nil config uses DefaultConfig.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Logger{
		level:           config.Level,
		output:          config.Output,
		format:          config.Format,
		contextFields:   make(map[string]interface{}),
		includeCaller:   config.IncludeCaller,
		includeStack:    config.IncludeStack,
		componentLevels: make(map[string]Level),
	}
	if l.output == nil {
		l.output = os.Stdout
	}

	if config.Rotation != nil {
		rotator, err := NewRotator(config.Rotation)
		if err != nil {
			return nil, fmt.Errorf("create log rotator: %w", err)
		}
		l.rotator = rotator
		l.output = rotator
	}

	return l, nil
}

// with returns a derived Logger carrying newFields in place of the
// receiver's context fields.
func (l *Logger) with(newFields map[string]interface{}) *Logger {
	return &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		contextFields:   newFields,
		includeCaller:   l.includeCaller,
		includeStack:    l.includeStack,
		componentLevels: l.componentLevels,
		rotator:         l.rotator,
	}
}

// WithField returns a derived logger carrying one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.mu.RLock()
	newFields := make(map[string]interface{}, len(l.contextFields)+1)
	for k, v := range l.contextFields {
		newFields[k] = v
	}
	l.mu.RUnlock()
	newFields[key] = value
	return l.with(newFields)
}

// WithFields returns a derived logger carrying the given fields merged
// over the receiver's.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.RLock()
	newFields := make(map[string]interface{}, len(l.contextFields)+len(fields))
	for k, v := range l.contextFields {
		newFields[k] = v
	}
	l.mu.RUnlock()
	for k, v := range fields {
		newFields[k] = v
	}
	return l.with(newFields)
}

// WithComponent tags log entries with a component name (e.g. "opencache",
// "coalesce"), which SetComponentLevel can then filter independently of
// the logger's global level.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// WithHandle tags log entries with the dataspace handle an operation
// addresses.
func (l *Logger) WithHandle(h handle.Handle) *Logger {
	return l.WithField("handle", h.String())
}

// WithCollection tags log entries with the numeric collection ID an
// operation is scoped to.
func (l *Logger) WithCollection(collection uint32) *Logger {
	return l.WithField("collection", collection)
}

// WithOperation tags log entries with the operation type name (e.g.
// "DSPACE_CREATE", "BSTREAM_WRITE_LIST").
func (l *Logger) WithOperation(op string) *Logger {
	return l.WithField("op", op)
}

// SetComponentLevel overrides the effective level for entries tagged
// with the given component.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetLevel sets the logger's global level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the logger's current global level.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) isEnabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if component, ok := l.contextFields["component"]; ok {
		if compStr, ok := component.(string); ok {
			if compLevel, exists := l.componentLevels[compStr]; exists {
				return level >= compLevel
			}
		}
	}
	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if !l.isEnabled(level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}),
	}

	l.mu.RLock()
	for k, v := range l.contextFields {
		entry.Fields[k] = v
	}
	l.mu.RUnlock()

	for k, v := range fields {
		entry.Fields[k] = v
	}

	if l.includeCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	if l.includeStack && (level == ERROR || level == FATAL) {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		entry.Stack = string(buf[:n])
	}

	var rendered string
	if l.format == FormatJSON {
		jsonBytes, err := json.Marshal(entry)
		if err != nil {
			rendered = l.formatText(entry)
		} else {
			rendered = string(jsonBytes) + "\n"
		}
	} else {
		rendered = l.formatText(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(rendered))
}

func (l *Logger) formatText(entry Entry) string {
	var sb strings.Builder

	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")

	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}

	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range entry.Fields {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")

	if entry.Stack != "" {
		sb.WriteString("Stack trace:\n")
		sb.WriteString(entry.Stack)
		sb.WriteString("\n")
	}

	return sb.String()
}

func (l *Logger) Trace(message string, fields ...map[string]interface{}) {
	l.logWithFields(TRACE, message, fields...)
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.logWithFields(DEBUG, message, fields...)
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.logWithFields(INFO, message, fields...)
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.logWithFields(WARN, message, fields...)
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.logWithFields(ERROR, message, fields...)
}

// Fatal logs at FATAL and terminates the process.
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.logWithFields(FATAL, message, fields...)
	os.Exit(1)
}

func (l *Logger) logWithFields(level Level, message string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = fieldMaps[0]
	}
	l.log(level, message, fields)
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.log(TRACE, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close releases the logger's rotator, if any.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the logger's rotator, if any.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

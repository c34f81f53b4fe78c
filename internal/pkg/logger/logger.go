// Package logger writes leveled JSON log lines. Values are PII-redacted by
// default: email addresses are masked and secret fields dropped.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the severity of a log entry.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "INFO"
}

// ParseLevel maps "debug", "info", "warn" or "error" to a Level. Unknown
// names fall back to INFO.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	}
	return INFO
}

// sink is shared by a logger and every child derived from it with With.
type sink struct {
	level  atomic.Int32
	redact atomic.Bool
	mu     sync.Mutex
	out    io.Writer
}

// Logger carries fields that are added to every entry it writes.
type Logger struct {
	sink   *sink
	fields []interface{}
}

var std = newDefault()

func newDefault() *Logger {
	s := &sink{out: os.Stderr}
	s.level.Store(int32(INFO))
	s.redact.Store(true)
	return &Logger{sink: s}
}

// SetLevel sets the minimum level of the default logger and its children.
func SetLevel(l Level) { std.sink.level.Store(int32(l)) }

// SetRedactPII enables or disables PII redaction.
func SetRedactPII(r bool) { std.sink.redact.Store(r) }

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	std.sink.mu.Lock()
	std.sink.out = w
	std.sink.mu.Unlock()
}

// With returns a child of the default logger that adds fields to every entry.
func With(fields ...interface{}) *Logger { return std.With(fields...) }

func Debug(msg string, fields ...interface{}) { std.write(DEBUG, msg, fields) }
func Info(msg string, fields ...interface{})  { std.write(INFO, msg, fields) }
func Warn(msg string, fields ...interface{})  { std.write(WARN, msg, fields) }
func Error(msg string, fields ...interface{}) { std.write(ERROR, msg, fields) }

// With returns a child logger with fields appended to l's.
func (l *Logger) With(fields ...interface{}) *Logger {
	all := make([]interface{}, 0, len(l.fields)+len(fields))
	all = append(append(all, l.fields...), fields...)
	return &Logger{sink: l.sink, fields: all}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.write(DEBUG, msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.write(INFO, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.write(WARN, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.write(ERROR, msg, fields) }

func (l *Logger) write(level Level, msg string, fields []interface{}) {
	if int32(level) < l.sink.level.Load() {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	redact := l.sink.redact.Load()
	l.addFields(entry, l.fields, redact)
	l.addFields(entry, fields, redact)

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"unencodable log entry: %s"}`, err))
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out.Write(append(data, '\n'))
}

func (l *Logger) addFields(entry map[string]interface{}, fields []interface{}, redact bool) {
	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if i+1 == len(fields) {
			entry["!BADKEY"] = key
			return
		}
		val := encode(fields[i+1])
		if s, ok := val.(string); ok && redact {
			val = redactValue(key, s)
		}
		entry[key] = val
	}
}

func encode(v interface{}) interface{} {
	switch v := v.(type) {
	case nil:
		return nil
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return v
	case string:
		return v
	case error:
		return v.Error()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case time.Duration:
		return v.String()
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprintf("%v", v)
}

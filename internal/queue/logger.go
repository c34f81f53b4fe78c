package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ignite/squeeze/internal/pkg/logger"
)

// loggerAdapter routes Watermill logs into the service logger.
type loggerAdapter struct {
	fields watermill.LogFields
}

// NewLogger returns a watermill.LoggerAdapter writing through pkg/logger.
func NewLogger() watermill.LoggerAdapter {
	return &loggerAdapter{}
}

func (l *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logger.Error(msg, l.kv(fields.Add(watermill.LogFields{"error": err}))...)
}

func (l *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	logger.Info(msg, l.kv(fields)...)
}

func (l *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	logger.Debug(msg, l.kv(fields)...)
}

// Trace is folded into debug.
func (l *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	logger.Debug(msg, l.kv(fields)...)
}

func (l *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{fields: l.fields.Add(fields)}
}

func (l *loggerAdapter) kv(fields watermill.LogFields) []interface{} {
	all := l.fields.Add(fields)
	out := make([]interface{}, 0, len(all)*2)
	for k, v := range all {
		out = append(out, k, v)
	}
	return out
}

package logging

import "context"

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key under which WithContext looks up the
// trace ID.
func TraceIDKey() interface{} {
	return traceIDKey
}

// SpanIDKey returns the context key under which WithContext looks up the
// span ID.
func SpanIDKey() interface{} {
	return spanIDKey
}

// LogField is a key-value pair attached to a log line.
type LogField struct {
	Key   string
	Value interface{}
}

// Field builds a LogField.
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// extractContextFields pulls trace_id and span_id out of ctx. Returns nil
// when ctx is nil or carries neither.
func extractContextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	fields := make(map[string]interface{})
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		fields["trace_id"] = traceID
	}
	if spanID := ctx.Value(spanIDKey); spanID != nil {
		fields["span_id"] = spanID
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

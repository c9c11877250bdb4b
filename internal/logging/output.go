package logging

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"
)

// writeLog renders one line and routes it by severity: ERROR and FATAL go
// to stderr, everything else to stdout. Fields are sorted by key so output
// is deterministic.
func (l *Logger) writeLog(level LogLevel, msg string, fields map[string]interface{}) {
	logMsg := fmt.Sprintf("[%s] [%s] %s: %s", Timestamp(), level, l.name, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		logMsg += " |"
		for _, k := range keys {
			logMsg += fmt.Sprintf(" %s=%v", k, fields[k])
		}
	}

	if level >= ERROR {
		fmt.Fprintf(os.Stderr, "%s\n", logMsg)
	} else {
		log.Println(logMsg)
	}
}

func (l *Logger) logf(level LogLevel, msg string, args ...interface{}) {
	l.writeLog(level, fmt.Sprintf(msg, args...), l.mergeFields(nil))
}

func (l *Logger) logWithFields(level LogLevel, msg string, fields ...LogField) {
	l.writeLog(level, msg, l.mergeFields(fields))
}

// mergeFields combines context fields, the logger's persistent fields and
// per-call fields, in that priority order (later wins).
func (l *Logger) mergeFields(extra []LogField) map[string]interface{} {
	contextFields := extractContextFields(l.ctx)
	if contextFields == nil && len(l.fields) == 0 && len(extra) == 0 {
		return nil
	}

	merged := make(map[string]interface{})
	for k, v := range contextFields {
		merged[k] = v
	}
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range extra {
		merged[f.Key] = f.Value
	}
	return merged
}

// Timestamp returns the RFC3339 timestamp used in log lines. The
// LOG_TIMESTAMP env var overrides it for deterministic test output.
func Timestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}

package logging

import (
	"net/http"
	"strings"
)

// EventLogger provides structured event logging with fixed per-event schemas
type EventLogger struct {
	log func(level Level, msg string, fields ...Field)
}

// NewEventLogger creates a new EventLogger backed by the global logging functions
func NewEventLogger() *EventLogger {
	return &EventLogger{
		log: log,
	}
}

// Session logs session lifecycle events
// action: register|heartbeat|close|supersede|expire
func (e *EventLogger) Session(action, deviceID, connID, node string, code int, reason string) {
	level := InfoLevel
	switch action {
	case "heartbeat":
		level = DebugLevel // Heartbeats are high-volume, DEBUG
	case "supersede", "expire":
		level = InfoLevel
	case "close":
		if code >= 4000 {
			level = WarnLevel // Abnormal closes are WARN
		}
	}

	fields := []Field{
		F("event", "session"),
		F("action", action),
		F("device_id", deviceID),
	}
	if connID != "" {
		fields = append(fields, F("conn_id", connID))
	}
	if node != "" {
		fields = append(fields, F("node", node))
	}
	if code != 0 {
		fields = append(fields, F("code", code))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "session_event", fields...)
}

// Delivery logs delivery pipeline events
// action: publish|send|drop|retry|dead_letter
// status: success|failed
func (e *EventLogger) Delivery(action, deviceID, taskID, status string, attempt int, reason string) {
	level := InfoLevel
	switch action {
	case "retry":
		level = WarnLevel // Retries are WARN
	case "dead_letter":
		level = ErrorLevel // Exhausted intents are ERROR (operator-facing)
	case "drop":
		level = DebugLevel // Non-owner drops are expected, DEBUG
	case "publish", "send":
		if status == "failed" {
			level = WarnLevel
		} else {
			level = DebugLevel
		}
	}

	fields := []Field{
		F("event", "delivery"),
		F("action", action),
		F("device_id", deviceID),
		F("task_id", taskID),
	}
	if status != "" {
		fields = append(fields, F("status", status))
	}
	if attempt > 0 {
		fields = append(fields, F("attempt", attempt))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "delivery_event", fields...)
}

// Token logs credential lifecycle events
// action: issue|verify|revoke
func (e *EventLogger) Token(action, deviceID, jti string, success bool, reason string) {
	level := InfoLevel
	if !success {
		level = WarnLevel // Failed token operations are WARN
	} else if action == "verify" {
		level = DebugLevel // Successful verifications are DEBUG
	}

	status := "success"
	if !success {
		status = "failed"
	}

	fields := []Field{
		F("event", "token"),
		F("action", action),
		F("status", status),
	}
	if deviceID != "" {
		fields = append(fields, F("device_id", deviceID))
	}
	if jti != "" {
		fields = append(fields, F("jti", jti))
	}
	if reason != "" {
		fields = append(fields, F("reason", reason))
	}
	e.log(level, "token_event", fields...)
}

// Infra logs infrastructure events
// action: connect|disconnect|error|retry|read|write|ack|degraded|recovered
// component: redis|postgres|http|spill|audit
// status: success|failed
func (e *EventLogger) Infra(action, component, status, details string) {
	level := DebugLevel
	if status == "failed" {
		level = ErrorLevel // Infrastructure failures are ERROR
	} else if action == "error" {
		level = ErrorLevel
	} else if action == "retry" || action == "degraded" {
		level = WarnLevel
	} else if action == "recovered" {
		level = InfoLevel
	}

	fields := []Field{
		F("event", "infra"),
		F("action", action),
		F("component", component),
		F("status", status),
	}
	if details != "" {
		fields = append(fields, F("details", details))
	}
	e.log(level, "infra_event", fields...)
}

// Helper function to extract HTTP method from request
func HTTPMethod(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.ToLower(r.Method)
}

// Helper function to extract remote address (handles proxies)
func RemoteAddr(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	return r.RemoteAddr
}

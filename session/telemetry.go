package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Logger provides debug logging hooks for a connection.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// *zap.SugaredLogger satisfies both Logger and StructuredLogger.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value attached to connection spans or span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the span that wraps a connection's lifetime.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records connection lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures connection telemetry.
type MetricHook interface {
	ConnectionEstablished(attrs map[string]string)
	ConnectionFailed(kind string, err error, attrs map[string]string)
	ConnectionClosed(attrs map[string]string)
	EventReceived(attrs map[string]string)
	WorkRequestPosted(attrs map[string]string)
	CompletionSucceeded(attrs map[string]string)
	CompletionFailed(err error, attrs map[string]string)
}

const (
	labelRole      = "role"
	labelProvider  = "provider"
	labelKind      = "kind"
	labelEventType = "event_type"
	labelOpcode    = "opcode"
	labelStatus    = "status"
)

const spanName = "rdma-session"

// Stats contains counters for a connection.
type Stats struct {
	EventsReceived     uint64
	SendsPosted        uint64
	RecvsPosted        uint64
	CompletionsOK      uint64
	CompletionsErrored uint64
	// EmptyNotifications counts wake-ups explained by completions that were
	// drained ahead of their notification.
	EmptyNotifications uint64
}

type connStats struct {
	events      atomic.Uint64
	sends       atomic.Uint64
	recvs       atomic.Uint64
	completions atomic.Uint64
	failed      atomic.Uint64
	empty       atomic.Uint64
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry fans connection events out to the configured logger, tracer and
// metric hook. Every method is a no-op for unset sinks.
type telemetry struct {
	sessionID  string
	role       Role
	provider   string
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	span       Span
}

func newTelemetry(cfg *Config, role Role) *telemetry {
	return &telemetry{
		sessionID:  cfg.SessionID,
		role:       role,
		provider:   cfg.Provider.Name(),
		logger:     cfg.Logger,
		structured: cfg.StructuredLogger,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}
}

func (t *telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelRole] = t.role.String()
	if t.provider != "" {
		attrs[labelProvider] = t.provider
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) event(event string, fields ...logField) {
	if t == nil {
		return
	}
	t.logEvent(event, fields...)
	spanAddEvent(t.span, event, fields...)
}

func (t *telemetry) logEvent(event string, fields ...logField) {
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, "session_id", t.sessionID, "role", t.role.String())
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw("rdma session", kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("session %s %s: %s", t.sessionID, t.role, b.String())
}

func (t *telemetry) startSpan(attrs ...TraceAttribute) {
	if t == nil || t.tracer == nil {
		return
	}
	base := []TraceAttribute{
		{Key: "component", Value: "rdma-session"},
		{Key: "session_id", Value: t.sessionID},
		{Key: labelRole, Value: t.role.String()},
	}
	if t.provider != "" {
		base = append(base, TraceAttribute{Key: labelProvider, Value: t.provider})
	}
	t.span = t.tracer.StartSpan(spanName, append(base, attrs...)...)
}

func (t *telemetry) endSpan(err error) {
	if t == nil || t.span == nil {
		return
	}
	t.span.End(err)
	t.span = nil
}

func (t *telemetry) recordError(err error) {
	if t == nil {
		return
	}
	spanRecordError(t.span, err)
}

func (t *telemetry) metricEstablished() {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ConnectionEstablished(t.metricAttrs())
}

func (t *telemetry) metricFailed(kind string, err error) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ConnectionFailed(kind, err, t.metricAttrs(logKV(labelKind, kind)))
}

func (t *telemetry) metricClosed() {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ConnectionClosed(t.metricAttrs())
}

func (t *telemetry) metricEvent(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.EventReceived(t.metricAttrs(fields...))
}

func (t *telemetry) metricPosted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.WorkRequestPosted(t.metricAttrs(fields...))
}

func (t *telemetry) metricCompletion(err error, fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	if err != nil {
		t.metrics.CompletionFailed(err, t.metricAttrs(fields...))
		return
	}
	t.metrics.CompletionSucceeded(t.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

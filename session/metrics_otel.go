package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	established         metric.Int64Counter
	failed              metric.Int64Counter
	closed              metric.Int64Counter
	events              metric.Int64Counter
	posted              metric.Int64Counter
	completionSucceeded metric.Int64Counter
	completionFailed    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdmacm-go/session"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	for _, inst := range []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.established, "rdma.session.established"},
		{&o.failed, "rdma.session.failed"},
		{&o.closed, "rdma.session.closed"},
		{&o.events, "rdma.session.cm_events"},
		{&o.posted, "rdma.session.work_requests.posted"},
		{&o.completionSucceeded, "rdma.session.completions"},
		{&o.completionFailed, "rdma.session.completion_errors"},
	} {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}
	return o, nil
}

// ConnectionEstablished records a completed handshake.
func (o *OTelMetrics) ConnectionEstablished(attrs map[string]string) {
	o.established.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ConnectionFailed records a connection torn down by a fatal error.
func (o *OTelMetrics) ConnectionFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.failed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// ConnectionClosed records a connection teardown.
func (o *OTelMetrics) ConnectionClosed(attrs map[string]string) {
	o.closed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// EventReceived records a connection-management event.
func (o *OTelMetrics) EventReceived(attrs map[string]string) {
	o.events.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelEventType)...))
}

// WorkRequestPosted records a posted work request.
func (o *OTelMetrics) WorkRequestPosted(attrs map[string]string) {
	o.posted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelOpcode)...))
}

// CompletionSucceeded records a successful work completion.
func (o *OTelMetrics) CompletionSucceeded(attrs map[string]string) {
	o.completionSucceeded.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelOpcode, labelStatus)...))
}

// CompletionFailed records a work completion with an error status.
func (o *OTelMetrics) CompletionFailed(_ error, attrs map[string]string) {
	o.completionFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelOpcode, labelStatus)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelRole, attrs[labelRole]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}

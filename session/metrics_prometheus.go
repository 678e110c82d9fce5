package session

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	established         *prometheus.CounterVec
	failed              *prometheus.CounterVec
	closed              *prometheus.CounterVec
	events              *prometheus.CounterVec
	posted              *prometheus.CounterVec
	completionSucceeded *prometheus.CounterVec
	completionFailed    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		established:         counter("rdma_session_established_total", "Number of connections that reached the established state", connLabelKeys),
		failed:              counter("rdma_session_failed_total", "Number of connections torn down by a fatal error", failureLabelKeys),
		closed:              counter("rdma_session_closed_total", "Number of connections closed", connLabelKeys),
		events:              counter("rdma_session_cm_events_total", "Number of connection-management events received", eventLabelKeys),
		posted:              counter("rdma_session_work_requests_posted_total", "Number of work requests posted", postLabelKeys),
		completionSucceeded: counter("rdma_session_completions_total", "Number of successful work completions", completionLabelKeys),
		completionFailed:    counter("rdma_session_completion_errors_total", "Number of work completions with an error status", completionLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.established,
		&p.failed,
		&p.closed,
		&p.events,
		&p.posted,
		&p.completionSucceeded,
		&p.completionFailed,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	connLabelKeys       = []string{labelRole, labelProvider}
	failureLabelKeys    = []string{labelRole, labelProvider, labelKind}
	eventLabelKeys      = []string{labelRole, labelProvider, labelEventType}
	postLabelKeys       = []string{labelRole, labelProvider, labelOpcode}
	completionLabelKeys = []string{labelRole, labelProvider, labelOpcode, labelStatus}
)

func (p *PrometheusMetrics) ConnectionEstablished(attrs map[string]string) {
	p.established.With(labels(attrs, connLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, failureLabelKeys...)
	labs[labelKind] = kind
	p.failed.With(labs).Inc()
}

func (p *PrometheusMetrics) ConnectionClosed(attrs map[string]string) {
	p.closed.With(labels(attrs, connLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) EventReceived(attrs map[string]string) {
	p.events.With(labels(attrs, eventLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WorkRequestPosted(attrs map[string]string) {
	p.posted.With(labels(attrs, postLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionSucceeded(attrs map[string]string) {
	p.completionSucceeded.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionFailed(_ error, attrs map[string]string) {
	p.completionFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snowrail"

// PrometheusRecorder maps Recorder calls onto three vectors keyed by metric
// name. Only the "outcome" label is kept to bound cardinality.
type PrometheusRecorder struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	gauges  *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the snowrail collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	p := &PrometheusRecorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Validations, intents, authorizations and settlements by outcome.",
		}, []string{"type", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_seconds",
			Help:      "Latency of risk checks and settlement calls.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge",
			Help:      "Point-in-time values such as settlements in flight.",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{p.events, p.latency, p.gauges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.events.WithLabelValues(name, labels["outcome"]).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.latency.WithLabelValues(name, labels["outcome"]).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetGauge(name string, value float64) {
	p.gauges.WithLabelValues(name).Set(value)
}

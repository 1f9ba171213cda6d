package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(ConfirmationsTotal, map[string]string{"outcome": "ok"})
	rec.IncCounter(ConfirmationsTotal, map[string]string{"outcome": "ok"})
	rec.ObserveLatency(SettleLatency, 20*time.Millisecond, map[string]string{"outcome": "ok"})
	rec.SetGauge(SettlementsInFlight, 3)
	rec.SetGauge(SettlementsInFlight, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.events.WithLabelValues(ConfirmationsTotal, "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.latency))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.gauges.WithLabelValues(SettlementsInFlight)))
}

func TestPrometheusRecorderIgnoresExtraLabels(t *testing.T) {
	rec, err := NewPrometheusRecorder(prometheus.NewRegistry())
	require.NoError(t, err)

	rec.IncCounter(ValidationsTotal, map[string]string{"outcome": "allow", "host": "stripe.com"})
	rec.IncCounter(ValidationsTotal, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.events.WithLabelValues(ValidationsTotal, "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.events.WithLabelValues(ValidationsTotal, "")))
}

func TestPrometheusRecorderDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

package metrics

import "time"

// Recorder receives counters and latency observations.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64)
}

// Metric names
const (
	ValidationsTotal    = "validations"
	IntentsTotal        = "intents"
	AuthorizationsTotal = "authorizations"
	ConfirmationsTotal  = "confirmations"
	SettlementsTotal    = "settlements"
	SettlementAttempts  = "settlement_attempts"
	ExpiredTotal        = "expired"
	CheckLatency        = "check"
	ValidateLatency     = "validate"
	SettleLatency       = "settle"
	SettlementsInFlight = "settlements_in_flight"
)

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
func (NoopRecorder) SetGauge(string, float64)                                {}

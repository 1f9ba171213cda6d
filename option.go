package snowrail

import (
	"time"

	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/sentinel"
	"github.com/Colombia-Blockchain/snowrail-core/settlement"
)

type Option func(*SnowRail)

func WithLogger(l logger.Logger) Option {
	return func(s *SnowRail) {
		s.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SnowRail) {
		s.metrics = metrics.OrNoop(r)
	}
}

// WithVersion sets the version reported by Health.
func WithVersion(v string) Option {
	return func(s *SnowRail) {
		s.version = v
	}
}

// WithStore replaces the store selected by the ledger config.
func WithStore(st ledger.Store) Option {
	return func(s *SnowRail) {
		s.store = st
	}
}

// WithSettler replaces the settler selected by the settlement config.
func WithSettler(st settlement.Settler) Option {
	return func(s *SnowRail) {
		s.settler = st
	}
}

// WithSentinelOptions passes options through to the risk evaluator.
func WithSentinelOptions(opts ...sentinel.Option) Option {
	return func(s *SnowRail) {
		s.sentinelOpts = append(s.sentinelOpts, opts...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SnowRail) {
		s.now = now
	}
}

// Package sentinel scores a (url, amount) pair before a payment is allowed.
//
// Evaluation runs a battery of independent checks concurrently, each under its
// own timeout, and folds them into a weighted trust score. A check that fails
// to complete is reported as degraded and never blocks on its own.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
)

// Risk tier thresholds.
const (
	LowRiskThreshold    = 70
	MediumRiskThreshold = 40
	// passThreshold is the per-check score at or above which a check passes.
	passThreshold = 50
)

// Evaluator runs the check battery.
type Evaluator struct {
	checks       []Check
	sources      []Source
	history      History
	minScore     int
	maxAmount    int64
	checkTimeout time.Duration

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type settings struct {
	blacklists []Blacklist
	history    History
	resolver   Resolver
	prober     TLSProber
	extra      []Check
	apply      []func(*Evaluator)
}

// Option configures the evaluator and its data sources.
type Option func(*settings)

// WithBlacklist adds a blacklist source next to the static one.
func WithBlacklist(b Blacklist) Option {
	return func(s *settings) { s.blacklists = append(s.blacklists, b) }
}

// WithHistory sets the confirmed payment history used by the anomaly check.
func WithHistory(h History) Option {
	return func(s *settings) { s.history = h }
}

// WithResolver replaces the DNS resolver used by the dns check.
func WithResolver(r Resolver) Option {
	return func(s *settings) { s.resolver = r }
}

// WithTLSProber replaces the dialer used by the tls_probe check.
func WithTLSProber(p TLSProber) Option {
	return func(s *settings) { s.prober = p }
}

// WithCheck appends a custom check to the battery.
func WithCheck(c Check) Option {
	return func(s *settings) { s.extra = append(s.extra, c) }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.apply = append(s.apply, func(e *Evaluator) { e.logger = logger.OrNoop(l) }) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *settings) { s.apply = append(s.apply, func(e *Evaluator) { e.metrics = metrics.OrNoop(m) }) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.apply = append(s.apply, func(e *Evaluator) { e.now = now }) }
}

// New assembles the battery from configuration.
func New(cfg config.SentinelConfig, opts ...Option) *Evaluator {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}

	bls := MultiBlacklist{NewStaticBlacklist(cfg.Blacklist)}
	bls = append(bls, s.blacklists...)

	history := s.history
	if history == nil {
		history = NewMemoryHistory()
	}

	checks := []Check{
		tlsCheck(cfg.RequireHTTPS),
		reputationCheck(toSet(cfg.TrustedDomains), toSet(cfg.SuspiciousTLDs)),
		blacklistCheck(bls),
		phishingCheck(cfg.SuspiciousKeywords),
		amountCheck(cfg.MaxAmount, history),
	}
	if cfg.NetworkChecks {
		resolver := s.resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		prober := s.prober
		if prober == nil {
			prober = defaultTLSProbe
		}
		checks = append(checks, dnsCheck(resolver), tlsProbeCheck(prober))
	}
	checks = append(checks, s.extra...)

	for i := range checks {
		if w, ok := cfg.Weights[checks[i].Type]; ok {
			checks[i].Weight = w
		} else if checks[i].Weight == 0 {
			checks[i].Weight = DefaultWeights[checks[i].Type]
		}
	}

	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	e := &Evaluator{
		checks:       checks,
		sources:      []Source{bls, history},
		history:      history,
		minScore:     cfg.MinScore,
		maxAmount:    cfg.MaxAmount,
		checkTimeout: timeout,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
		now:          time.Now,
	}
	for _, fn := range s.apply {
		fn(e)
	}
	return e
}

// History returns the history source so settlement outcomes can feed it.
func (e *Evaluator) History() History {
	return e.history
}

// Evaluate scores url for a payment of amount. It never mutates state.
func (e *Evaluator) Evaluate(ctx context.Context, rawURL string, amount int64) (*types.ValidationResult, error) {
	start := e.now()

	u, err := utils.ParsePaymentURL(rawURL)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, err, "invalid url: %v", err)
	}
	if amount < 0 {
		return nil, types.NewError(types.ErrCodeValidation, "amount cannot be negative")
	}

	target := newTarget(u, amount)
	results := make([]types.CheckResult, len(e.checks))
	outcomes := make([]Outcome, len(e.checks))

	// Checks never return errors to the group; a failing check is recorded
	// as degraded so one slow source cannot fail the whole evaluation.
	g, gctx := errgroup.WithContext(ctx)
	for i := range e.checks {
		g.Go(func() error {
			results[i], outcomes[i] = e.runCheck(gctx, &e.checks[i], target)
			return nil
		})
	}
	_ = g.Wait()

	res := e.aggregate(u.String(), results, outcomes)
	res.Timestamp = start.UTC()
	res.Duration = e.now().Sub(start).Milliseconds()

	e.metrics.IncCounter(metrics.ValidationsTotal, map[string]string{"outcome": string(res.Decision)})
	e.metrics.ObserveLatency(metrics.ValidateLatency, e.now().Sub(start), map[string]string{"outcome": string(res.Decision)})
	e.logger.Info("url evaluated", map[string]any{
		"validation_id": res.ID,
		"domain":        target.Domain,
		"trust_score":   res.TrustScore,
		"decision":      res.Decision,
		"duration_ms":   res.Duration,
	})
	return res, nil
}

func (e *Evaluator) runCheck(ctx context.Context, c *Check, t *Target) (types.CheckResult, Outcome) {
	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	start := e.now()
	result := types.CheckResult{Type: c.Type, Category: c.Category, Name: c.Name}

	type ret struct {
		o   Outcome
		err error
	}
	done := make(chan ret, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ret{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		o, err := c.Run(ctx, t)
		done <- ret{o, err}
	}()

	var o Outcome
	var err error
	select {
	case r := <-done:
		o, err = r.o, r.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	outcome := "ok"
	defer func() {
		name := metrics.CheckLatency + "_" + c.Type
		e.metrics.IncCounter(name, map[string]string{"outcome": outcome})
		e.metrics.ObserveLatency(name, e.now().Sub(start), map[string]string{"outcome": outcome})
	}()

	if err != nil {
		outcome = "degraded"
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.logger.Warn("check degraded", map[string]any{"check": c.Type, "error": err, "reason": reason})
		result.Degraded = true
		result.Risk = types.RiskHigh
		result.Details = map[string]interface{}{"degraded": reason}
		return result, Outcome{Warning: fmt.Sprintf("check %s unavailable", c.Type)}
	}

	o.Score = clamp(o.Score)
	if !c.Blocking {
		o.Block = ""
	}
	result.Score = o.Score
	result.Passed = o.Score >= passThreshold && o.Block == ""
	result.Risk = RiskFor(o.Score)
	result.Details = o.Details
	if !result.Passed {
		outcome = "failed"
	}
	return result, o
}

func (e *Evaluator) aggregate(url string, results []types.CheckResult, outcomes []Outcome) *types.ValidationResult {
	var weighted, total, completed int
	warnings := []string{}
	blocked := []string{}

	for i, r := range results {
		w := e.checks[i].Weight
		total += w
		weighted += w * r.Score
		if !r.Degraded {
			completed++
		}
		if outcomes[i].Warning != "" {
			warnings = append(warnings, outcomes[i].Warning)
		}
		if outcomes[i].Block != "" {
			blocked = append(blocked, outcomes[i].Block)
		}
	}

	score := 0
	if total > 0 {
		score = clamp(int(math.Round(float64(weighted) / float64(total))))
	}
	confidence := 0.0
	if len(results) > 0 {
		confidence = math.Round(float64(completed)/float64(len(results))*100) / 100
	}

	risk := RiskFor(score)
	if score < e.minScore {
		blocked = append(blocked, fmt.Sprintf("trust score %d below minimum %d", score, e.minScore))
	}
	canPay := len(blocked) == 0

	decision := types.DecisionAllow
	switch {
	case !canPay:
		decision = types.DecisionBlock
	case risk == types.RiskMedium:
		decision = types.DecisionReview
	}

	res := &types.ValidationResult{
		ID:             uuid.NewString(),
		URL:            url,
		CanPay:         canPay,
		TrustScore:     score,
		Confidence:     confidence,
		Risk:           risk,
		Decision:       decision,
		Checks:         results,
		Warnings:       warnings,
		BlockedReasons: blocked,
	}
	if canPay && e.maxAmount > 0 {
		max := e.maxAmount
		res.MaxAmount = &max
	}
	return res
}

// Health pings every data source.
func (e *Evaluator) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(e.sources))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range e.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
			defer cancel()
			err := s.Ping(pctx)
			mu.Lock()
			out[s.Name()] = err
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return out
}

// RiskFor maps a score to its tier.
func RiskFor(score int) types.RiskLevel {
	switch {
	case score >= LowRiskThreshold:
		return types.RiskLow
	case score >= MediumRiskThreshold:
		return types.RiskMedium
	default:
		return types.RiskHigh
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Package snowrail is the trust layer for agent payments. It wires the URL
// risk evaluator, the intent ledger, EIP-3009 authorization and settlement
// into one service.
package snowrail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/clients"
	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/sentinel"
	"github.com/Colombia-Blockchain/snowrail-core/settlement"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
	"github.com/Colombia-Blockchain/snowrail-core/verification"
)

const healthTimeout = 3 * time.Second

// SnowRail is the main struct that provides all trust layer functionality.
type SnowRail struct {
	cfg       *config.Config
	evaluator *sentinel.Evaluator
	store     ledger.Store
	ledger    *ledger.Ledger
	issuer    *authorization.Issuer
	settler   settlement.Settler
	confirmer *settlement.Confirmer

	sentinelOpts []sentinel.Option
	redis        *redis.Client

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once

	logger  logger.Logger
	metrics metrics.Recorder
	version string
	now     func() time.Time
}

// IntentRequest is the input to CreateIntent.
type IntentRequest struct {
	URL       string
	Amount    int64
	Sender    string
	Recipient string
}

// New builds every component from cfg. Call Start before serving and Close
// when done.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*SnowRail, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &SnowRail{
		cfg:     cfg,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		version: "dev",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	domain, err := authorization.DomainFromConfig(cfg.Signing)
	if err != nil {
		return nil, err
	}

	if err := s.buildEvaluator(); err != nil {
		return nil, err
	}
	if s.store == nil {
		if s.store, err = openStore(ctx, cfg.Ledger); err != nil {
			s.Close()
			return nil, err
		}
	}
	if s.settler == nil {
		if s.settler, err = openSettler(ctx, cfg, domain); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.ledger = ledger.New(s.store, ledger.Config{
		TTL:       cfg.Ledger.IntentTTL,
		MaxAmount: cfg.Sentinel.MaxAmount,
		Currency:  cfg.Settlement.Currency,
		Token:     cfg.Settlement.Token,
		Chain:     cfg.Settlement.Chain,
	}, ledger.WithLogger(s.logger), ledger.WithMetrics(s.metrics), ledger.WithClock(s.now))

	s.issuer = authorization.NewIssuer(s.ledger, domain, s.logger, s.metrics)

	s.confirmer = settlement.NewConfirmer(
		s.ledger,
		verification.NewVerificationService(domain),
		domain,
		s.settler,
		cfg.Settlement,
		settlement.WithHistory(s.evaluator.History()),
		settlement.WithLogger(s.logger),
		settlement.WithMetrics(s.metrics),
		settlement.WithClock(s.now),
	)

	s.logger.Info("snowrail initialised", map[string]any{
		"ledger":     cfg.Ledger.Backend,
		"settlement": s.settler.Mode(),
		"chain_id":   cfg.Signing.ChainID,
	})
	return s, nil
}

func (s *SnowRail) buildEvaluator() error {
	opts := []sentinel.Option{sentinel.WithLogger(s.logger), sentinel.WithMetrics(s.metrics), sentinel.WithClock(s.now)}
	if url := s.cfg.Sentinel.RedisURL; url != "" {
		ropts, err := redis.ParseURL(url)
		if err != nil {
			return types.WrapError(types.ErrCodeConfig, err, "invalid sentinel redis url: %v", err)
		}
		s.redis = redis.NewClient(ropts)
		opts = append(opts, sentinel.WithBlacklist(sentinel.NewRedisBlacklist(s.redis, s.cfg.Sentinel.RedisBlacklistKey)))
	}
	s.evaluator = sentinel.New(s.cfg.Sentinel, append(opts, s.sentinelOpts...)...)
	return nil
}

func openStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return ledger.OpenSQLite(cfg.DSN)
	case "redis":
		return ledger.OpenRedis(ctx, cfg.DSN)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

func openSettler(ctx context.Context, cfg *config.Config, domain authorization.Domain) (settlement.Settler, error) {
	if cfg.Settlement.Mode != string(types.SettlementEVM) {
		return settlement.NewLedgerSettler(), nil
	}
	key, err := utils.PrivateKeyFromHex(cfg.Settlement.TreasuryKey)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeConfig, err, "invalid treasury key")
	}
	client, err := clients.NewEVMClient(ctx,
		cfg.Settlement.RPCURL,
		cfg.Signing.ChainID,
		domain.VerifyingContract,
		key,
		cfg.Settlement.ReceiptPoll,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create EVM client: %w", err)
	}
	return settlement.NewEVMSettler(client, domain), nil
}

// Start runs the settlement workers and the expiry sweeper.
func (s *SnowRail) Start(ctx context.Context) error {
	if err := s.confirmer.Start(ctx); err != nil {
		return err
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		s.ledger.RunSweeper(sweepCtx, s.cfg.Ledger.SweepInterval)
	}()
	return nil
}

// Close stops background work and releases connections.
func (s *SnowRail) Close() {
	s.closeOnce.Do(func() {
		if s.sweepCancel != nil {
			s.sweepCancel()
			<-s.sweepDone
		}
		if s.confirmer != nil {
			s.confirmer.Stop()
		}
		if c, ok := s.settler.(interface{ Close() }); ok {
			c.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("failed to close store", map[string]any{"error": err})
			}
		}
		if s.redis != nil {
			_ = s.redis.Close()
		}
	})
}

// Validate scores url for a payment of amount.
func (s *SnowRail) Validate(ctx context.Context, url string, amount int64) (*types.ValidationResult, error) {
	return s.evaluator.Evaluate(ctx, url, amount)
}

// CreateIntent evaluates the target and records a pending intent. A blocked
// evaluation returns RISK_BLOCKED with the validation attached as data.
func (s *SnowRail) CreateIntent(ctx context.Context, req IntentRequest) (*types.PaymentIntent, *types.ValidationResult, error) {
	validation, err := s.evaluator.Evaluate(ctx, req.URL, req.Amount)
	if err != nil {
		return nil, nil, err
	}
	if !validation.CanPay {
		s.metrics.IncCounter(metrics.IntentsTotal, map[string]string{"outcome": "blocked"})
		s.logger.Warn("intent blocked", map[string]any{
			"url":         validation.URL,
			"trust_score": validation.TrustScore,
			"reasons":     validation.BlockedReasons,
		})
		return nil, validation, &types.Error{
			Code:    types.ErrCodeRiskBlocked,
			Message: "payment blocked: " + strings.Join(validation.BlockedReasons, "; "),
			Data:    validation,
		}
	}

	intent, err := s.ledger.Create(ctx, ledger.CreateRequest{
		URL:          req.URL,
		Amount:       req.Amount,
		Sender:       req.Sender,
		Recipient:    req.Recipient,
		ValidationID: validation.ID,
		TrustScore:   validation.TrustScore,
	})
	if err != nil {
		return nil, validation, err
	}
	return intent, validation, nil
}

// Authorize issues a fresh EIP-712 challenge for intentID.
func (s *SnowRail) Authorize(ctx context.Context, intentID string) (*authorization.Authorization, error) {
	return s.issuer.Issue(ctx, intentID)
}

// Confirm verifies signature and settles the intent.
func (s *SnowRail) Confirm(ctx context.Context, intentID, signature string) (*types.Receipt, error) {
	return s.confirmer.Confirm(ctx, intentID, signature)
}

// Intent returns the stored intent.
func (s *SnowRail) Intent(ctx context.Context, intentID string) (*types.PaymentIntent, error) {
	return s.ledger.Get(ctx, intentID)
}

// Status reports whether intentID has been paid.
func (s *SnowRail) Status(ctx context.Context, intentID string) (*types.PaymentStatus, error) {
	p, err := s.ledger.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return &types.PaymentStatus{
		Paid:    p.Status == types.StatusConfirmed,
		Status:  p.Status,
		Receipt: p.Receipt,
	}, nil
}

// Health checks the ledger store, the evaluator's data sources and the
// settlement backend. The ledger being down makes the service unavailable;
// anything else only degrades it.
func (s *SnowRail) Health(ctx context.Context) *types.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	report := &types.HealthReport{
		Status:    types.HealthOK,
		Timestamp: s.now().UTC(),
		Version:   s.version,
		Sentinel:  map[string]string{},
		Ledger:    types.HealthOK,
		Treasury:  types.TreasuryHealth{Mode: s.settler.Mode(), Status: types.HealthOK},
	}
	if t, ok := s.settler.(interface{ Treasury() common.Address }); ok {
		report.Treasury.Address = t.Treasury().Hex()
	}

	degrade := func(component string, err error) string {
		s.logger.Warn("health check failed", map[string]any{"component": component, "error": err})
		if report.Status == types.HealthOK {
			report.Status = types.HealthDegraded
		}
		return types.HealthDown
	}

	for name, err := range s.evaluator.Health(ctx) {
		report.Sentinel[name] = types.HealthOK
		if err != nil {
			report.Sentinel[name] = degrade("sentinel."+name, err)
		}
	}
	if err := s.confirmer.Ping(ctx); err != nil {
		report.Treasury.Status = degrade("treasury", err)
	}
	if err := s.ledger.Ping(ctx); err != nil {
		report.Ledger = degrade("ledger", err)
		report.Status = types.HealthDown
	}
	return report
}

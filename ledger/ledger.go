// Package ledger owns payment intents and their lifecycle.
//
//	pending --authorize--> authorized --authorize--> authorized
//	authorized --begin confirm--> confirming --complete--> confirmed
//	confirming --fail--> failed
//	authorized --fail--> failed
//	pending|authorized --expire--> expired
//
// Every transition holds the intent's key lock and is written with a
// compare-and-swap on Version.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
)

const (
	DefaultTTL = 15 * time.Minute

	sweepBatch = 500
)

// Config holds the ledger's intent defaults.
type Config struct {
	TTL       time.Duration
	MaxAmount int64
	Currency  string
	Token     string
	Chain     string
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	URL          string `validate:"required"`
	Amount       int64  `validate:"gt=0"`
	Sender       string `validate:"required"`
	Recipient    string `validate:"required"`
	ValidationID string
	TrustScore   int
}

// NonceFunc derives the challenge nonce for an intent's attempt.
type NonceFunc func(intentID string, attempt int) string

// Ledger applies state transitions to intents held in a Store.
type Ledger struct {
	store Store
	cfg   Config
	locks *KeyedMutex

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(l logger.Logger) Option {
	return func(lg *Ledger) { lg.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(lg *Ledger) { lg.metrics = metrics.OrNoop(m) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

func New(store Store, cfg Config, opts ...Option) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	l := &Ledger{
		store:   store,
		cfg:     cfg,
		locks:   NewKeyedMutex(),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Create validates req and stores a new pending intent.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*types.PaymentIntent, error) {
	if err := utils.Struct(req); err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, err, "invalid intent: %v", err)
	}
	if _, err := utils.ParsePaymentURL(req.URL); err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, err, "invalid url: %v", err)
	}
	if err := utils.ValidateAmount(req.Amount, l.cfg.MaxAmount); err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, err, "%v", err)
	}
	sender := utils.NormalizeAddress(req.Sender)
	if sender == "" {
		return nil, types.NewError(types.ErrCodeValidation, "invalid sender address %q", req.Sender)
	}
	recipient := utils.NormalizeAddress(req.Recipient)
	if recipient == "" {
		return nil, types.NewError(types.ErrCodeValidation, "invalid recipient address %q", req.Recipient)
	}
	if sender == recipient {
		return nil, types.NewError(types.ErrCodeValidation, "sender and recipient must differ")
	}

	// second precision keeps validAfter/validBefore exact across stores
	now := l.now().UTC().Truncate(time.Second)
	p := &types.PaymentIntent{
		ID:           uuid.NewString(),
		URL:          req.URL,
		Amount:       req.Amount,
		Currency:     l.cfg.Currency,
		Token:        l.cfg.Token,
		Chain:        l.cfg.Chain,
		Sender:       sender,
		Recipient:    recipient,
		Status:       types.StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(l.cfg.TTL),
		UpdatedAt:    now,
		ValidationID: req.ValidationID,
		TrustScore:   req.TrustScore,
		Version:      1,
	}
	if err := l.store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store intent: %w", err)
	}

	l.metrics.IncCounter(metrics.IntentsTotal, map[string]string{"outcome": "created"})
	l.logger.Info("intent created", map[string]any{
		"intent_id":  p.ID,
		"amount":     p.Amount,
		"recipient":  p.Recipient,
		"expires_at": p.ExpiresAt,
	})
	return p.Clone(), nil
}

// Get returns the stored intent.
func (l *Ledger) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	return l.store.Get(ctx, id)
}

// ListByStatus returns up to limit intents in status, oldest first.
func (l *Ledger) ListByStatus(ctx context.Context, status types.IntentStatus, limit int) ([]*types.PaymentIntent, error) {
	return l.store.ListByStatus(ctx, status, limit)
}

// Ping checks the store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// Authorize issues a new challenge: attempt is incremented and the nonce
// replaced, so any signature over a previous challenge no longer verifies.
func (l *Ledger) Authorize(ctx context.Context, id string, nonce NonceFunc) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "authorize", true, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusPending && p.Status != types.StatusAuthorized {
			return invalidState(p, "authorize")
		}
		p.Attempt++
		p.Nonce = nonce(p.ID, p.Attempt)
		p.Status = types.StatusAuthorized
		return nil
	})
}

// BeginConfirm records signature and moves the intent to confirming. nonce is
// the challenge the signature was verified against; if the intent has been
// reauthorized since, the call fails with ErrInvalidState.
func (l *Ledger) BeginConfirm(ctx context.Context, id, nonce, signature string) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "begin_confirm", true, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusAuthorized {
			return invalidState(p, "confirm")
		}
		if p.Nonce != nonce {
			return types.WrapError(types.ErrCodeInvalidState, types.ErrInvalidState,
				"authorization challenge of intent %s was reissued", p.ID)
		}
		p.Signature = signature
		p.Status = types.StatusConfirming
		return nil
	})
}

// RecordSubmission stores the hash of a settlement transaction sent for a
// confirming intent so a restarted process can wait on it.
func (l *Ledger) RecordSubmission(ctx context.Context, id, txHash string) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "record_submission", false, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusConfirming {
			return invalidState(p, "record submission for")
		}
		p.SettlementTx = txHash
		return nil
	})
}

// Complete attaches receipt and moves a confirming intent to confirmed.
func (l *Ledger) Complete(ctx context.Context, id string, receipt *types.Receipt) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "complete", false, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusConfirming {
			return invalidState(p, "complete")
		}
		r := *receipt
		p.Receipt = &r
		p.Status = types.StatusConfirmed
		return nil
	})
}

// Fail moves an authorized or confirming intent to failed.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "fail", false, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusAuthorized && p.Status != types.StatusConfirming {
			return invalidState(p, "fail")
		}
		p.FailureReason = reason
		p.Status = types.StatusFailed
		return nil
	})
}

// Expire moves a pending or authorized intent to expired.
func (l *Ledger) Expire(ctx context.Context, id string) (*types.PaymentIntent, error) {
	return l.transition(ctx, id, "expire", false, func(p *types.PaymentIntent) error {
		if p.Status != types.StatusPending && p.Status != types.StatusAuthorized {
			return invalidState(p, "expire")
		}
		p.Status = types.StatusExpired
		return nil
	})
}

// transition applies fn to a copy of the intent under its key lock and writes
// the result with a version check. When enforceExpiry is set, a pending or
// authorized intent past expiresAt is moved to expired and ErrExpired returned.
func (l *Ledger) transition(ctx context.Context, id, op string, enforceExpiry bool, fn func(*types.PaymentIntent) error) (*types.PaymentIntent, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()

	next := cur.Clone()
	if enforceExpiry && expirable(cur.Status) && cur.IsExpired(now) {
		next.Status = types.StatusExpired
		if err := l.write(ctx, next, cur.Version, now); err != nil {
			return nil, err
		}
		l.metrics.IncCounter(metrics.ExpiredTotal, map[string]string{"outcome": op})
		l.logger.Info("intent expired", map[string]any{"intent_id": id, "op": op})
		return nil, types.WrapError(types.ErrCodeExpired, types.ErrExpired, "intent %s expired at %s", id, cur.ExpiresAt.Format(time.RFC3339))
	}

	if err := fn(next); err != nil {
		return nil, err
	}
	if err := l.write(ctx, next, cur.Version, now); err != nil {
		return nil, err
	}

	l.logger.Debug("intent transition", map[string]any{
		"intent_id": id,
		"op":        op,
		"from":      cur.Status,
		"to":        next.Status,
		"version":   next.Version,
	})
	return next.Clone(), nil
}

func (l *Ledger) write(ctx context.Context, next *types.PaymentIntent, expected int64, now time.Time) error {
	next.Version = expected + 1
	next.UpdatedAt = now
	return l.store.Update(ctx, next, expected)
}

// SweepExpired expires every pending or authorized intent past expiresAt and
// returns how many were moved.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	now := l.now()
	swept := 0
	for _, status := range []types.IntentStatus{types.StatusPending, types.StatusAuthorized} {
		intents, err := l.store.ListByStatus(ctx, status, sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("list %s intents: %w", status, err)
		}
		for _, p := range intents {
			if !p.IsExpired(now) {
				continue
			}
			if _, err := l.Expire(ctx, p.ID); err != nil {
				// lost a race with another transition
				if errors.Is(err, types.ErrInvalidState) || errors.Is(err, types.ErrConflict) {
					continue
				}
				return swept, err
			}
			l.metrics.IncCounter(metrics.ExpiredTotal, map[string]string{"outcome": "sweep"})
			swept++
		}
	}
	return swept, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				l.logger.Error("expiry sweep failed", map[string]any{"error": err})
				continue
			}
			if n > 0 {
				l.logger.Info("expired intents swept", map[string]any{"count": n})
			}
		}
	}
}

func expirable(s types.IntentStatus) bool {
	return s == types.StatusPending || s == types.StatusAuthorized
}

func invalidState(p *types.PaymentIntent, op string) error {
	return types.WrapError(types.ErrCodeInvalidState, types.ErrInvalidState,
		"cannot %s intent %s in status %s", op, p.ID, p.Status)
}

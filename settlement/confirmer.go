// Package settlement confirms signed authorizations and settles them in the
// background.
//
// Confirm verifies the signature, moves the intent to confirming and hands a
// job to a worker pool. Workers call the Settler with bounded retries and send
// outcomes to a single applier goroutine, which writes them to the ledger and
// wakes any callers still waiting.
package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/sentinel"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
	"github.com/Colombia-Blockchain/snowrail-core/verification"
)

const (
	defaultWorkers     = 4
	defaultConfirmWait = 10 * time.Second
	queuePerWorker     = 64
	applyTimeout       = 10 * time.Second
	completeAttempts   = 5
)

// HistoryRecorder receives confirmed amounts per registrable domain.
type HistoryRecorder interface {
	Record(ctx context.Context, domain string, amount int64) error
}

type outcome struct {
	req      SettleRequest
	result   *types.SettlementResult
	attempts int
	elapsed  time.Duration
	err      error
}

// flight is a settlement in progress. receipt and err are set before done
// is closed.
type flight struct {
	done    chan struct{}
	receipt *types.Receipt
	err     error
}

// Confirmer owns the confirming half of the intent lifecycle.
type Confirmer struct {
	ledger   *ledger.Ledger
	verifier verification.Verifier
	domain   authorization.Domain
	settler  Settler
	history  HistoryRecorder

	policy      RetryPolicy
	workers     int
	confirmWait time.Duration
	explorerURL string
	decimals    int32

	locks    *ledger.KeyedMutex
	mu       sync.Mutex
	inflight map[string]*flight

	jobs    chan SettleRequest
	results chan outcome

	ctx       context.Context
	cancel    context.CancelFunc
	workerWG  sync.WaitGroup
	applierWG sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// Option configures a Confirmer.
type Option func(*Confirmer)

// WithHistory feeds confirmed payments back to the risk evaluator.
func WithHistory(h HistoryRecorder) Option {
	return func(c *Confirmer) { c.history = h }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Confirmer) { c.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Confirmer) { c.metrics = metrics.OrNoop(m) }
}

// WithClock overrides time.Now for receipts and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Confirmer) { c.now = now }
}

func NewConfirmer(l *ledger.Ledger, v verification.Verifier, domain authorization.Domain, s Settler, cfg config.SettlementConfig, opts ...Option) *Confirmer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	wait := cfg.ConfirmWait
	if wait <= 0 {
		wait = defaultConfirmWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Confirmer{
		ledger:      l,
		verifier:    v,
		domain:      domain,
		settler:     s,
		policy:      PolicyFromConfig(cfg),
		workers:     workers,
		confirmWait: wait,
		explorerURL: strings.TrimRight(cfg.ExplorerURL, "/"),
		decimals:    cfg.TokenDecimals,
		locks:       ledger.NewKeyedMutex(),
		inflight:    make(map[string]*flight),
		jobs:        make(chan SettleRequest, workers*queuePerWorker),
		results:     make(chan outcome, workers),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode reports the settlement backend in use.
func (c *Confirmer) Mode() types.SettlementMode {
	return c.settler.Mode()
}

// Ping checks the settlement backend.
func (c *Confirmer) Ping(ctx context.Context) error {
	return c.settler.Ping(ctx)
}

// Start launches the worker pool and the applier, then re-dispatches intents
// left in confirming by a previous run.
func (c *Confirmer) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		for i := 0; i < c.workers; i++ {
			c.workerWG.Add(1)
			go c.worker()
		}
		c.applierWG.Add(1)
		go c.applyLoop()
		err = c.recoverInFlight(ctx)
	})
	return err
}

// Stop cancels running settlements and waits for the pool to drain. Intents
// interrupted mid-settlement stay confirming and are recovered on next Start.
func (c *Confirmer) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.workerWG.Wait()
		close(c.results)
		c.applierWG.Wait()

		c.mu.Lock()
		pending := c.inflight
		c.inflight = make(map[string]*flight)
		c.metrics.SetGauge(metrics.SettlementsInFlight, 0)
		c.mu.Unlock()
		for id, f := range pending {
			f.err = inProgress(id)
			close(f.done)
		}
	})
}

// Confirm verifies signature against the intent's current challenge and
// settles it. It waits up to the configured confirm wait; a settlement still
// running after that returns an IN_PROGRESS error and keeps going.
func (c *Confirmer) Confirm(ctx context.Context, intentID, signature string) (*types.Receipt, error) {
	signature = strings.TrimSpace(signature)
	sig, err := utils.DecodeSignature(signature)
	if err != nil {
		c.count("invalid_request")
		return nil, types.WrapError(types.ErrCodeValidation, err, "invalid signature: %v", err)
	}

	f, req, receipt, err := c.begin(ctx, intentID, signature, sig)
	if err != nil {
		c.count(types.CodeOf(err))
		return nil, err
	}
	if receipt != nil {
		c.count("replayed")
		return receipt, nil
	}
	if req != nil {
		c.enqueue(*req)
	}

	receipt, err = c.wait(ctx, intentID, f)
	if err != nil {
		c.count(types.CodeOf(err))
		return nil, err
	}
	c.count("confirmed")
	return receipt, nil
}

// begin decides what a confirm call does under the intent's lock. Exactly one
// of receipt (already settled), flight, or err is meaningful; req is set when
// a new job must be queued once the lock is released.
func (c *Confirmer) begin(ctx context.Context, id, signature string, sig []byte) (*flight, *SettleRequest, *types.Receipt, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	p, err := c.ledger.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	switch p.Status {
	case types.StatusConfirmed:
		if p.Receipt != nil && sameSignature(p.Signature, sig) {
			return nil, nil, p.Receipt, nil
		}
		return nil, nil, nil, types.WrapError(types.ErrCodeInvalidState, types.ErrInvalidState,
			"intent %s is already confirmed", id)
	case types.StatusConfirming:
		if !sameSignature(p.Signature, sig) {
			return nil, nil, nil, types.WrapError(types.ErrCodeInvalidState, types.ErrInvalidState,
				"intent %s is being confirmed with a different signature", id)
		}
		if f := c.lookup(id); f != nil {
			return f, nil, nil, nil
		}
		req, err := c.request(p)
		if err != nil {
			return nil, nil, nil, err
		}
		return c.track(id), req, nil, nil
	case types.StatusExpired:
		return nil, nil, nil, expired(p)
	case types.StatusAuthorized:
	default:
		return nil, nil, nil, types.WrapError(types.ErrCodeInvalidState, types.ErrInvalidState,
			"cannot confirm intent %s in status %s", id, p.Status)
	}

	if p.IsExpired(c.now()) {
		if _, err := c.ledger.Expire(ctx, id); err != nil && !errors.Is(err, types.ErrInvalidState) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, expired(p)
	}

	res, err := c.verifier.Verify(p, signature)
	if err != nil {
		return nil, nil, nil, err
	}
	if !res.Valid {
		reason := "invalid signature: " + res.Reason
		if _, err := c.ledger.Fail(ctx, id, reason); err != nil {
			c.logger.Error("failed to record invalid signature", map[string]any{"intent_id": id, "error": err})
		}
		c.logger.Warn("signature rejected", map[string]any{
			"intent_id": id,
			"signer":    res.Signer,
			"expected":  res.Expected,
			"reason":    res.Reason,
		})
		return nil, nil, nil, types.WrapError(types.ErrCodeInvalidSignature, types.ErrInvalidSignature,
			"signature was not produced by %s", res.Expected)
	}

	// a challenge reissued since verification invalidates the signature
	p, err = c.ledger.BeginConfirm(ctx, id, p.Nonce, signature)
	if err != nil {
		return nil, nil, nil, err
	}
	c.logger.Info("settlement dispatched", map[string]any{
		"intent_id": id,
		"mode":      c.settler.Mode(),
		"digest":    res.Digest.Hex(),
	})
	return c.track(id), &SettleRequest{
		Intent:    p,
		Digest:    res.Digest,
		Signature: sig,
		OnSubmit:  c.recordSubmission(id),
	}, nil, nil
}

func (c *Confirmer) wait(ctx context.Context, id string, f *flight) (*types.Receipt, error) {
	timer := time.NewTimer(c.confirmWait)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.receipt, f.err
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil, inProgress(id)
}

func (c *Confirmer) enqueue(req SettleRequest) {
	select {
	case c.jobs <- req:
	case <-c.ctx.Done():
		c.finish(req.Intent.ID, nil, inProgress(req.Intent.ID))
	}
}

func (c *Confirmer) worker() {
	defer c.workerWG.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.jobs:
			start := c.now()
			res, attempts, err := c.settle(c.ctx, req)
			c.results <- outcome{
				req:      req,
				result:   res,
				attempts: attempts,
				elapsed:  c.now().Sub(start),
				err:      err,
			}
		}
	}
}

func (c *Confirmer) applyLoop() {
	defer c.applierWG.Done()
	for o := range c.results {
		c.apply(o)
	}
}

// apply writes one outcome to the ledger. It holds the intent's lock so a
// concurrent Confirm never observes confirming without a matching flight.
func (c *Confirmer) apply(o outcome) {
	p := o.req.Intent
	unlock := c.locks.Lock(p.ID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	status := "confirmed"
	var receipt *types.Receipt
	var err error

	switch {
	case o.err == nil:
		receipt = c.receipt(p, o.result)
		if cerr := c.complete(ctx, p.ID, receipt); cerr != nil {
			c.logger.Error("failed to record settlement", map[string]any{
				"intent_id": p.ID,
				"tx_hash":   o.result.TxHash,
				"error":     cerr,
			})
			status, receipt, err = "error", nil, cerr
			break
		}
		if c.history != nil {
			if herr := c.history.Record(ctx, sentinel.RegistrableDomain(p.URL), p.Amount); herr != nil {
				c.logger.Warn("failed to record payment history", map[string]any{"intent_id": p.ID, "error": herr})
			}
		}
		c.logger.Info("intent settled", map[string]any{
			"intent_id": p.ID,
			"tx_hash":   receipt.TxHash,
			"attempts":  o.attempts,
			"mode":      receipt.Mode,
		})
	case c.ctx.Err() != nil:
		status, err = "interrupted", inProgress(p.ID)
		c.logger.Info("settlement interrupted", map[string]any{"intent_id": p.ID, "attempts": o.attempts})
	default:
		status = "failed"
		reason := fmt.Sprintf("settlement failed after %d attempt(s): %v", o.attempts, o.err)
		if _, ferr := c.ledger.Fail(ctx, p.ID, reason); ferr != nil {
			c.logger.Error("failed to record settlement failure", map[string]any{"intent_id": p.ID, "error": ferr})
		}
		if f, ok := c.settler.(Forgetter); ok {
			f.Forget(p.ID)
		}
		c.logger.Error("settlement failed", map[string]any{
			"intent_id": p.ID,
			"attempts":  o.attempts,
			"error":     o.err,
		})
		err = types.WrapError(types.ErrCodeSettlementFailed, types.ErrSettlementFailed, "%s", reason)
	}

	c.metrics.IncCounter(metrics.SettlementsTotal, map[string]string{"outcome": status})
	c.metrics.ObserveLatency(metrics.SettleLatency, o.elapsed, map[string]string{"outcome": status})
	c.finish(p.ID, receipt, err)
}

// complete writes a settled receipt, retrying transient store errors.
func (c *Confirmer) complete(ctx context.Context, id string, receipt *types.Receipt) error {
	tries := 0
	op := func() (*types.PaymentIntent, error) {
		tries++
		p, err := c.ledger.Complete(ctx, id, receipt)
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, types.ErrInvalidState):
			// an earlier try may have been written before its error surfaced
			if cur, gerr := c.ledger.Get(ctx, id); gerr == nil && cur.Status == types.StatusConfirmed &&
				cur.Receipt != nil && cur.Receipt.TxHash == receipt.TxHash {
				return cur, nil
			}
			return nil, backoff.Permanent(err)
		case errors.Is(err, types.ErrNotFound):
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("retrying settlement record", map[string]any{
			"intent_id": id,
			"tx_hash":   receipt.TxHash,
			"attempt":   tries,
			"retry_in":  next.String(),
			"error":     err,
		})
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.policy.backOff()),
		backoff.WithMaxTries(completeAttempts),
		backoff.WithNotify(notify),
	)
	return err
}

// recordSubmission stores a broadcast transaction on the intent so a
// restarted confirmer waits on it.
func (c *Confirmer) recordSubmission(id string) func(context.Context, string) {
	return func(ctx context.Context, txHash string) {
		if _, err := c.ledger.RecordSubmission(ctx, id, txHash); err != nil {
			c.logger.Error("failed to record submitted settlement", map[string]any{
				"intent_id": id,
				"tx_hash":   txHash,
				"error":     err,
			})
			return
		}
		c.logger.Info("settlement submitted", map[string]any{"intent_id": id, "tx_hash": txHash})
	}
}

func (c *Confirmer) receipt(p *types.PaymentIntent, res *types.SettlementResult) *types.Receipt {
	mode := res.Mode
	if mode == "" {
		mode = c.settler.Mode()
	}
	return &types.Receipt{
		IntentID:      p.ID,
		TxHash:        res.TxHash,
		ExplorerURL:   ExplorerTxURL(c.explorerURL, res.TxHash),
		ConfirmedAt:   c.now().UTC(),
		Amount:        p.Amount,
		AmountDisplay: utils.FormatAmount(p.Amount, c.decimals),
		Currency:      p.Currency,
		Recipient:     p.Recipient,
		Sender:        p.Sender,
		Mode:          mode,
	}
}

// recoverInFlight re-queues every intent found in confirming.
func (c *Confirmer) recoverInFlight(ctx context.Context) error {
	intents, err := c.ledger.ListByStatus(ctx, types.StatusConfirming, 0)
	if err != nil {
		return fmt.Errorf("list confirming intents: %w", err)
	}
	for _, p := range intents {
		unlock := c.locks.Lock(p.ID)
		if c.lookup(p.ID) != nil {
			unlock()
			continue
		}
		req, err := c.request(p)
		if err != nil {
			if _, ferr := c.ledger.Fail(ctx, p.ID, "cannot resume settlement: "+err.Error()); ferr != nil {
				c.logger.Error("failed to fail unrecoverable intent", map[string]any{"intent_id": p.ID, "error": ferr})
			}
			unlock()
			continue
		}
		c.track(p.ID)
		unlock()

		c.logger.Info("resuming settlement", map[string]any{"intent_id": p.ID})
		c.enqueue(*req)
	}
	return nil
}

// request rebuilds a settlement job from a stored confirming intent.
func (c *Confirmer) request(p *types.PaymentIntent) (*SettleRequest, error) {
	digest, err := c.domain.Digest(p)
	if err != nil {
		return nil, err
	}
	sig, err := utils.DecodeSignature(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("stored signature: %w", err)
	}
	return &SettleRequest{
		Intent:      p,
		Digest:      digest,
		Signature:   sig,
		SubmittedTx: p.SettlementTx,
		OnSubmit:    c.recordSubmission(p.ID),
	}, nil
}

func (c *Confirmer) lookup(id string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[id]
}

func (c *Confirmer) track(id string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &flight{done: make(chan struct{})}
	c.inflight[id] = f
	c.metrics.SetGauge(metrics.SettlementsInFlight, float64(len(c.inflight)))
	return f
}

func (c *Confirmer) finish(id string, receipt *types.Receipt, err error) {
	c.mu.Lock()
	f, ok := c.inflight[id]
	delete(c.inflight, id)
	c.metrics.SetGauge(metrics.SettlementsInFlight, float64(len(c.inflight)))
	c.mu.Unlock()
	if !ok {
		return
	}
	f.receipt = receipt
	f.err = err
	close(f.done)
}

func (c *Confirmer) count(outcome string) {
	c.metrics.IncCounter(metrics.ConfirmationsTotal, map[string]string{"outcome": outcome})
}

// ExplorerTxURL links a transaction hash on the block explorer.
func ExplorerTxURL(base, txHash string) string {
	return strings.TrimRight(base, "/") + "/tx/" + txHash
}

func sameSignature(stored string, sig []byte) bool {
	decoded, err := utils.DecodeSignature(stored)
	return err == nil && bytes.Equal(decoded, sig)
}

func inProgress(id string) error {
	return types.WrapError(types.ErrCodeInProgress, types.ErrInProgress, "settlement of intent %s is in progress", id)
}

func expired(p *types.PaymentIntent) error {
	return types.WrapError(types.ErrCodeExpired, types.ErrExpired,
		"intent %s expired at %s", p.ID, p.ExpiresAt.Format(time.RFC3339))
}

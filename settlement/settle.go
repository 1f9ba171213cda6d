package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// RetryPolicy bounds how a settlement is attempted.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// PolicyFromConfig reads the retry section of the settlement config and fills
// in defaults for zero values.
func PolicyFromConfig(cfg config.SettlementConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	return b
}

// settle calls the settler until it succeeds, returns a permanent error, or the
// attempt budget is spent. It returns the number of attempts made.
func (c *Confirmer) settle(ctx context.Context, req SettleRequest) (*types.SettlementResult, int, error) {
	attempts := 0
	op := func() (*types.SettlementResult, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()

		res, err := c.settler.Settle(actx, req)
		outcome := "ok"
		switch {
		case err == nil:
		case ctx.Err() != nil:
			outcome = "cancelled"
			err = backoff.Permanent(ctx.Err())
		case isPermanent(err):
			outcome = "permanent"
		default:
			outcome = "retry"
		}
		c.metrics.IncCounter(metrics.SettlementAttempts, map[string]string{"outcome": outcome})
		return res, err
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("settlement attempt failed", map[string]any{
			"intent_id": req.Intent.ID,
			"attempt":   attempts,
			"retry_in":  next.String(),
			"error":     err,
		})
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.policy.backOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	return res, attempts, err
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Package authorization issues EIP-3009 TransferWithAuthorization challenges
// bound to payment intents.
package authorization

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/logger"
	"github.com/Colombia-Blockchain/snowrail-core/metrics"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// Authorization is the typed data a client signs with eth_signTypedData_v4.
type Authorization struct {
	IntentID    string                    `json:"intentId"`
	Domain      apitypes.TypedDataDomain  `json:"domain"`
	Types       apitypes.Types            `json:"types"`
	PrimaryType string                    `json:"primaryType"`
	Message     apitypes.TypedDataMessage `json:"message"`
	Digest      string                    `json:"digest"`
	Attempt     int                       `json:"attempt"`
	ExpiresAt   time.Time                 `json:"expiresAt"`
}

// Issuer moves intents to authorized and returns their challenge.
type Issuer struct {
	ledger  *ledger.Ledger
	domain  Domain
	logger  logger.Logger
	metrics metrics.Recorder
}

func NewIssuer(l *ledger.Ledger, domain Domain, log logger.Logger, rec metrics.Recorder) *Issuer {
	return &Issuer{
		ledger:  l,
		domain:  domain,
		logger:  logger.OrNoop(log),
		metrics: metrics.OrNoop(rec),
	}
}

// Domain returns the signing domain.
func (i *Issuer) Domain() Domain {
	return i.domain
}

// Issue invalidates any outstanding challenge for intentID and returns a new one.
func (i *Issuer) Issue(ctx context.Context, intentID string) (*Authorization, error) {
	p, err := i.ledger.Authorize(ctx, intentID, NonceFor)
	if err != nil {
		i.metrics.IncCounter(metrics.AuthorizationsTotal, map[string]string{"outcome": types.CodeOf(err)})
		return nil, err
	}

	td := i.domain.TypedData(p)
	digest, err := i.domain.Digest(p)
	if err != nil {
		return nil, err
	}

	i.metrics.IncCounter(metrics.AuthorizationsTotal, map[string]string{"outcome": "issued"})
	i.logger.Info("authorization issued", map[string]any{
		"intent_id": p.ID,
		"attempt":   p.Attempt,
		"digest":    digest.Hex(),
	})

	return &Authorization{
		IntentID:    p.ID,
		Domain:      td.Domain,
		Types:       td.Types,
		PrimaryType: td.PrimaryType,
		Message:     td.Message,
		Digest:      digest.Hex(),
		Attempt:     p.Attempt,
		ExpiresAt:   p.ExpiresAt,
	}, nil
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/clients"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils/eip712"
)

// SettleRequest carries a verified authorization to a Settler.
type SettleRequest struct {
	Intent    *types.PaymentIntent
	Digest    common.Hash
	Signature []byte

	// SubmittedTx is a transaction already sent for this intent by an
	// earlier run, empty if none is known.
	SubmittedTx string
	// OnSubmit, when set, is called once a settler has broadcast a
	// transaction and before it waits for inclusion.
	OnSubmit func(ctx context.Context, txHash string)
}

// Settler interface defines the contract for payment settlement.
// Errors wrapped with backoff.Permanent are not retried.
type Settler interface {
	Mode() types.SettlementMode
	Settle(ctx context.Context, req SettleRequest) (*types.SettlementResult, error)
	// Ping reports whether the backend (treasury, RPC) is reachable.
	Ping(ctx context.Context) error
}

// Forgetter is implemented by settlers that keep per-intent state. Forget is
// called once an intent has failed for good.
type Forgetter interface {
	Forget(intentID string)
}

// LedgerSettler records settlement off-chain. The transaction hash is
// keccak256(digest ‖ signature), so replaying a request yields the same hash.
type LedgerSettler struct {
	mu      sync.Mutex
	settled map[string]string
}

func NewLedgerSettler() *LedgerSettler {
	return &LedgerSettler{settled: make(map[string]string)}
}

func (s *LedgerSettler) Mode() types.SettlementMode { return types.SettlementLedger }
func (s *LedgerSettler) Ping(context.Context) error { return nil }

func (s *LedgerSettler) Settle(ctx context.Context, req SettleRequest) (*types.SettlementResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Signature) == 0 {
		return nil, backoff.Permanent(errors.New("missing signature"))
	}
	tx := crypto.Keccak256Hash(req.Digest.Bytes(), req.Signature).Hex()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.settled[req.Intent.ID]; ok {
		return &types.SettlementResult{TxHash: prev, Mode: types.SettlementLedger}, nil
	}
	s.settled[req.Intent.ID] = tx
	return &types.SettlementResult{TxHash: tx, Mode: types.SettlementLedger}, nil
}

// Settled returns how many intents have been recorded.
func (s *LedgerSettler) Settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

// EVMSettler submits transferWithAuthorization through the treasury account.
type EVMSettler struct {
	client *clients.EVMClient
	domain eip712.Domain

	mu sync.Mutex
	// submitted holds the transaction sent per intent, so a retry after a
	// receipt timeout waits on it instead of re-sending a used authorization.
	submitted map[string]common.Hash
}

// NewEVMSettler settles authorizations signed under domain.
func NewEVMSettler(client *clients.EVMClient, domain authorization.Domain) *EVMSettler {
	return &EVMSettler{
		client: client,
		domain: eip712.Domain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainID:           big.NewInt(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		submitted: make(map[string]common.Hash),
	}
}

func (s *EVMSettler) Mode() types.SettlementMode { return types.SettlementEVM }

func (s *EVMSettler) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Treasury returns the address paying gas.
func (s *EVMSettler) Treasury() common.Address {
	return s.client.Treasury()
}

// Close releases the RPC connection.
func (s *EVMSettler) Close() {
	s.client.Close()
}

// Settle waits on a transaction already known for the intent. Otherwise it
// reads authorizationState: a used authorization is traced to the
// transaction that consumed it, an unused one is simulated and submitted.
func (s *EVMSettler) Settle(ctx context.Context, req SettleRequest) (*types.SettlementResult, error) {
	p := req.Intent
	auth, err := s.authorization(req)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	hash, known := s.known(p.ID, req.SubmittedTx)
	if !known {
		used, err := s.client.AuthorizationUsed(ctx, auth.From, auth.Nonce)
		if err != nil {
			return nil, err
		}
		if used {
			h, found, err := s.client.FindAuthorizationTx(ctx, auth.From, auth.Nonce)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, backoff.Permanent(fmt.Errorf("authorization %s was canceled", auth.Nonce.Hex()))
			}
			hash = h
		} else {
			if err := s.client.SimulateTransferWithAuthorization(ctx, auth); err != nil {
				return nil, permanentIf(err)
			}
			h, err := s.client.SubmitTransferWithAuthorization(ctx, auth)
			if err != nil {
				return nil, permanentIf(err)
			}
			hash = h
		}
		s.mu.Lock()
		s.submitted[p.ID] = hash
		s.mu.Unlock()
		if req.OnSubmit != nil {
			req.OnSubmit(ctx, hash.Hex())
		}
	}

	receipt, err := s.client.WaitReceipt(ctx, hash)
	if err != nil {
		err = permanentIf(err)
		if isPermanent(err) {
			s.Forget(p.ID)
		}
		return nil, err
	}
	s.Forget(p.ID)

	res := &types.SettlementResult{TxHash: hash.Hex(), Mode: types.SettlementEVM}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res, nil
}

// Pending returns how many submitted transactions are still being tracked.
func (s *EVMSettler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

// authorization rebuilds the call arguments from the intent. They must hash
// to the digest the payer signed, and the signature must recover to From.
func (s *EVMSettler) authorization(req SettleRequest) (clients.TransferAuthorization, error) {
	p := req.Intent
	auth := clients.TransferAuthorization{
		From:        common.HexToAddress(p.Sender),
		To:          common.HexToAddress(p.Recipient),
		Value:       big.NewInt(p.Amount),
		ValidAfter:  big.NewInt(p.CreatedAt.Unix()),
		ValidBefore: big.NewInt(p.ExpiresAt.Unix()),
		Nonce:       common.HexToHash(p.Nonce),
		Signature:   req.Signature,
	}
	digest, err := eip712.Digest(s.domain, eip712.TransferWithAuthorization{
		From:        auth.From,
		To:          auth.To,
		Value:       auth.Value,
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
		Nonce:       auth.Nonce,
	})
	if err != nil {
		return auth, err
	}
	if digest != req.Digest {
		return auth, fmt.Errorf("transfer arguments hash to %s, signed digest is %s", digest.Hex(), req.Digest.Hex())
	}
	signer, err := eip712.RecoverSigner(digest, req.Signature)
	if err != nil {
		return auth, fmt.Errorf("recover signer: %w", err)
	}
	if signer != auth.From {
		return auth, fmt.Errorf("signature was produced by %s, not %s", signer.Hex(), auth.From.Hex())
	}
	return auth, nil
}

func (s *EVMSettler) known(id, stored string) (common.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash, ok := s.submitted[id]; ok {
		return hash, true
	}
	if stored == "" {
		return common.Hash{}, false
	}
	hash := common.HexToHash(stored)
	s.submitted[id] = hash
	return hash, true
}

// Forget drops the transaction tracked for an intent.
func (s *EVMSettler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitted, id)
}

func permanentIf(err error) error {
	if clients.IsPermanent(err) {
		return backoff.Permanent(err)
	}
	return err
}

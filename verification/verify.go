// Package verification checks that a signature over an intent's current
// authorization challenge was produced by the intent's sender.
package verification

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
	"github.com/Colombia-Blockchain/snowrail-core/utils/eip712"
)

// Verifier interface defines the contract for signature verification
type Verifier interface {
	Verify(intent *types.PaymentIntent, signature string) (*Result, error)
}

// Result describes a verification. Reason is set when Valid is false.
type Result struct {
	Valid    bool        `json:"valid"`
	Signer   string      `json:"signer,omitempty"`
	Expected string      `json:"expected"`
	Digest   common.Hash `json:"digest"`
	Reason   string      `json:"reason,omitempty"`
}

// VerificationService recovers EIP-712 signers against a fixed domain.
type VerificationService struct {
	domain authorization.Domain
}

var _ Verifier = (*VerificationService)(nil)

func NewVerificationService(domain authorization.Domain) *VerificationService {
	return &VerificationService{domain: domain}
}

// Verify recomputes the digest from the intent as stored, so any change to a
// signed field (amount, parties, expiry, nonce) makes the signature invalid.
// An error is returned only when the digest cannot be built.
func (s *VerificationService) Verify(intent *types.PaymentIntent, signature string) (*Result, error) {
	digest, err := s.domain.Digest(intent)
	if err != nil {
		return nil, err
	}
	res := &Result{Expected: intent.Sender, Digest: digest}

	sig, err := utils.DecodeSignature(strings.TrimSpace(signature))
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}

	signer, err := eip712.RecoverSigner(digest, sig)
	if err != nil {
		res.Reason = "signer recovery failed: " + err.Error()
		return res, nil
	}
	res.Signer = signer.Hex()

	if signer != common.HexToAddress(intent.Sender) {
		res.Reason = "signature not produced by sender"
		return res, nil
	}
	res.Valid = true
	return res, nil
}

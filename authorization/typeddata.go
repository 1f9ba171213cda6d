package authorization

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/types"
)

const PrimaryType = "TransferWithAuthorization"

// Domain is the EIP-712 domain of the token that settles intents.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// DomainFromConfig builds a Domain from the signing section.
func DomainFromConfig(cfg config.SigningConfig) (Domain, error) {
	if !common.IsHexAddress(cfg.VerifyingContract) {
		return Domain{}, types.NewError(types.ErrCodeConfig, "invalid verifying contract %q", cfg.VerifyingContract)
	}
	return Domain{
		Name:              cfg.Name,
		Version:           cfg.Version,
		ChainID:           cfg.ChainID,
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}, nil
}

var eip712Types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// NonceFor derives the bytes32 challenge nonce keccak256(intentID ":" attempt).
func NonceFor(intentID string, attempt int) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d", intentID, attempt))).Hex()
}

// TypedData is a pure function of the intent and the domain.
func (d Domain) TypedData(p *types.PaymentIntent) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       eip712Types,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           math.NewHexOrDecimal256(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        p.Sender,
			"to":          p.Recipient,
			"value":       strconv.FormatInt(p.Amount, 10),
			"validAfter":  strconv.FormatInt(p.CreatedAt.Unix(), 10),
			"validBefore": strconv.FormatInt(p.ExpiresAt.Unix(), 10),
			"nonce":       p.Nonce,
		},
	}
}

// Digest is the EIP-712 hash a wallet signs for p.
func (d Domain) Digest(p *types.PaymentIntent) (common.Hash, error) {
	if p.Nonce == "" {
		return common.Hash{}, types.NewError(types.ErrCodeInvalidState, "intent %s has no authorization challenge", p.ID)
	}
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(p))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

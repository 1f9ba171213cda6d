package clients

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// fiatTokenABI covers the FiatToken v2 methods used for settlement.
const fiatTokenABI = `
[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "AuthorizationUsed",
    "type": "event",
    "anonymous": false,
    "inputs": [
      { "name": "authorizer", "type": "address", "indexed": true },
      { "name": "nonce", "type": "bytes32", "indexed": true }
    ]
  }
]
`

var tokenABI = mustParseABI(fiatTokenABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// SplitSignature splits a 65 byte signature into v, r, s with v as 27/28,
// the form ecrecover in the token contract expects.
func SplitSignature(sig []byte) (v uint8, r [32]byte, s [32]byte, err error) {
	if len(sig) != 65 {
		err = fmt.Errorf("invalid signature length: %d", len(sig))
		return
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return
}

// PackTransferWithAuthorization builds the call data for auth.
func PackTransferWithAuthorization(auth TransferAuthorization) ([]byte, error) {
	v, r, s, err := SplitSignature(auth.Signature)
	if err != nil {
		return nil, err
	}
	return tokenABI.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		[32]byte(auth.Nonce),
		v,
		r,
		s,
	)
}

// PackAuthorizationState builds the call data for authorizationState.
func PackAuthorizationState(authorizer common.Address, nonce common.Hash) ([]byte, error) {
	return tokenABI.Pack("authorizationState", authorizer, [32]byte(nonce))
}

// UnpackAuthorizationState decodes the bool returned by authorizationState.
func UnpackAuthorizationState(data []byte) (bool, error) {
	out, err := tokenABI.Unpack("authorizationState", data)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, errors.New("unexpected authorizationState output")
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState output type %T", out[0])
	}
	return used, nil
}

// Package eip712 hashes EIP-3009 TransferWithAuthorization messages by hand.
// The authorization issuer builds typed data through go-ethereum's apitypes;
// this package is the independent encoding it is checked against.
package eip712

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain is the EIP-712 domain of a token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TransferWithAuthorization is an EIP-3009 message.
type TransferWithAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

const TransferWithAuthorizationType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"

var (
	transferAuthTypeHash = crypto.Keccak256Hash([]byte(TransferWithAuthorizationType))

	// ordering matters
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || d.VerifyingContract == (common.Address{}) {
		return common.Hash{}, errors.New("incomplete domain")
	}
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// HashStruct computes keccak256(abi.encode(TYPEHASH, from, to, value, validAfter, validBefore, nonce)).
func (m TransferWithAuthorization) HashStruct() common.Hash {
	return crypto.Keccak256Hash(
		transferAuthTypeHash.Bytes(),
		addressTo32(m.From),
		addressTo32(m.To),
		padLeft32(m.Value),
		padLeft32(m.ValidAfter),
		padLeft32(m.ValidBefore),
		m.Nonce.Bytes(),
	)
}

// TypedDataHash returns keccak256("\x19\x01" ‖ domainSeparator ‖ structHash).
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest is the value a wallet signs for m under d.
func Digest(d Domain, m TransferWithAuthorization) (common.Hash, error) {
	sep, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(sep, m.HashStruct()), nil
}

// RecoverSigner recovers the address that signed digest.
// sig must be 65 bytes (R||S||V) with V as 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	// copy to avoid mutating caller slice
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

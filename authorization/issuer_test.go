package authorization

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils/eip712"
)

const (
	sender    = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	recipient = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func testDomain(t *testing.T) Domain {
	t.Helper()
	d, err := DomainFromConfig(config.Default().Signing)
	require.NoError(t, err)
	return d
}

func newIssuer(t *testing.T) (*Issuer, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.Config{TTL: 15 * time.Minute, Currency: "USDC"})
	return NewIssuer(l, testDomain(t), nil, nil), l
}

func createIntent(t *testing.T, l *ledger.Ledger) *types.PaymentIntent {
	t.Helper()
	p, err := l.Create(context.Background(), ledger.CreateRequest{
		URL:       "https://api.stripe.com",
		Amount:    1_500_000,
		Sender:    sender,
		Recipient: recipient,
	})
	require.NoError(t, err)
	return p
}

func TestIssue(t *testing.T) {
	iss, l := newIssuer(t)
	p := createIntent(t, l)

	auth, err := iss.Issue(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, p.ID, auth.IntentID)
	assert.Equal(t, PrimaryType, auth.PrimaryType)
	assert.Equal(t, 1, auth.Attempt)
	assert.Equal(t, "USD Coin", auth.Domain.Name)
	assert.Equal(t, "2", auth.Domain.Version)
	assert.Equal(t, sender, auth.Message["from"])
	assert.Equal(t, recipient, auth.Message["to"])
	assert.Equal(t, "1500000", auth.Message["value"])
	assert.Equal(t, NonceFor(p.ID, 1), auth.Message["nonce"])
	assert.True(t, p.ExpiresAt.Equal(auth.ExpiresAt))
	assert.Len(t, auth.Types[PrimaryType], 6)

	stored, err := l.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAuthorized, stored.Status)
}

func TestReissueChangesDigest(t *testing.T) {
	iss, l := newIssuer(t)
	p := createIntent(t, l)

	first, err := iss.Issue(context.Background(), p.ID)
	require.NoError(t, err)
	second, err := iss.Issue(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.Message["nonce"], second.Message["nonce"])
	assert.NotEqual(t, first.Digest, second.Digest)
}

func TestIssueErrors(t *testing.T) {
	iss, l := newIssuer(t)

	_, err := iss.Issue(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	p := createIntent(t, l)
	_, err = l.Expire(context.Background(), p.ID)
	require.NoError(t, err)
	_, err = iss.Issue(context.Background(), p.ID)
	assert.True(t, errors.Is(err, types.ErrInvalidState))
}

func TestDigestMatchesManualEncoding(t *testing.T) {
	d := testDomain(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &types.PaymentIntent{
		ID:        "3f1c2a8e-0000-4000-8000-000000000001",
		Amount:    250_000,
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: created,
		ExpiresAt: created.Add(15 * time.Minute),
		Nonce:     NonceFor("3f1c2a8e-0000-4000-8000-000000000001", 1),
	}

	got, err := d.Digest(p)
	require.NoError(t, err)

	want, err := eip712.Digest(
		eip712.Domain{
			Name:              d.Name,
			Version:           d.Version,
			ChainID:           big.NewInt(d.ChainID),
			VerifyingContract: d.VerifyingContract,
		},
		eip712.TransferWithAuthorization{
			From:        common.HexToAddress(sender),
			To:          common.HexToAddress(recipient),
			Value:       big.NewInt(p.Amount),
			ValidAfter:  big.NewInt(created.Unix()),
			ValidBefore: big.NewInt(p.ExpiresAt.Unix()),
			Nonce:       common.HexToHash(p.Nonce),
		},
	)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDigestRequiresChallenge(t *testing.T) {
	_, err := testDomain(t).Digest(&types.PaymentIntent{ID: "x"})
	assert.True(t, errors.Is(err, types.ErrInvalidState))
}

func TestDomainFromConfigRejectsBadContract(t *testing.T) {
	cfg := config.Default().Signing
	cfg.VerifyingContract = "usdc"
	_, err := DomainFromConfig(cfg)
	assert.Error(t, err)
}

func TestNonceForIsDeterministic(t *testing.T) {
	assert.Equal(t, NonceFor("a", 1), NonceFor("a", 1))
	assert.NotEqual(t, NonceFor("a", 1), NonceFor("a", 2))
	assert.Len(t, NonceFor("a", 1), 66)
}

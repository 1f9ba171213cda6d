package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Colombia-Blockchain/snowrail-core/authorization"
	"github.com/Colombia-Blockchain/snowrail-core/config"
	"github.com/Colombia-Blockchain/snowrail-core/ledger"
	"github.com/Colombia-Blockchain/snowrail-core/sentinel"
	"github.com/Colombia-Blockchain/snowrail-core/types"
	"github.com/Colombia-Blockchain/snowrail-core/utils"
	"github.com/Colombia-Blockchain/snowrail-core/verification"
)

const recipient = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"

var testDomain = authorization.Domain{
	Name:              "USD Coin",
	Version:           "2",
	ChainID:           43113,
	VerifyingContract: common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65"),
}

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	last  SettleRequest
	// forgotten lists intents released through Forget
	forgotten []string
	// errs are returned by successive calls; once exhausted calls succeed
	errs  []error
	block chan struct{}
}

func (f *fakeSettler) Mode() types.SettlementMode { return types.SettlementLedger }
func (f *fakeSettler) Ping(context.Context) error { return nil }

func (f *fakeSettler) Settle(ctx context.Context, req SettleRequest) (*types.SettlementResult, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	n := f.calls
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(f.errs) {
		return nil, f.errs[n-1]
	}
	tx := crypto.Keccak256Hash(req.Digest.Bytes(), req.Signature).Hex()
	if req.OnSubmit != nil {
		req.OnSubmit(ctx, tx)
	}
	return &types.SettlementResult{TxHash: tx, Mode: types.SettlementLedger}, nil
}

func (f *fakeSettler) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeSettler) Forgotten() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

func (f *fakeSettler) Last() SettleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSettler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	ledger    *ledger.Ledger
	issuer    *authorization.Issuer
	confirmer *Confirmer
	settler   *fakeSettler
	history   *sentinel.MemoryHistory
	payer     *ecdsa.PrivateKey
}

func testSettlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		Mode:           "ledger",
		ExplorerURL:    "https://testnet.snowtrace.io/",
		Currency:       "USDC",
		Token:          "USDC",
		Chain:          "avalanche-fuji",
		TokenDecimals:  6,
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
		ConfirmWait:    2 * time.Second,
	}
}

func newHarness(t *testing.T, settler *fakeSettler, mutate func(*config.SettlementConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, settler, ledger.NewMemoryStore(), mutate)
}

func newHarnessWithStore(t *testing.T, settler *fakeSettler, store ledger.Store, mutate func(*config.SettlementConfig)) *harness {
	t.Helper()
	cfg := testSettlementConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	payer, err := crypto.GenerateKey()
	require.NoError(t, err)

	l := ledger.New(store, ledger.Config{
		TTL:       15 * time.Minute,
		MaxAmount: 1_000_000_000,
		Currency:  "USDC",
		Token:     "USDC",
		Chain:     "avalanche-fuji",
	})
	history := sentinel.NewMemoryHistory()
	c := NewConfirmer(l, verification.NewVerificationService(testDomain), testDomain, settler, cfg, WithHistory(history))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)

	return &harness{
		ledger:    l,
		issuer:    authorization.NewIssuer(l, testDomain, nil, nil),
		confirmer: c,
		settler:   settler,
		history:   history,
		payer:     payer,
	}
}

// signedIntent creates an intent, issues its challenge and signs it.
func (h *harness) signedIntent(t *testing.T, key *ecdsa.PrivateKey) (*types.PaymentIntent, string) {
	t.Helper()
	ctx := context.Background()
	p, err := h.ledger.Create(ctx, ledger.CreateRequest{
		URL:       "https://api.stripe.com/v1/charges",
		Amount:    2_500_000,
		Sender:    crypto.PubkeyToAddress(h.payer.PublicKey).Hex(),
		Recipient: recipient,
	})
	require.NoError(t, err)

	auth, err := h.issuer.Issue(ctx, p.ID)
	require.NoError(t, err)

	sig, err := utils.SignHash(common.HexToHash(auth.Digest).Bytes(), key)
	require.NoError(t, err)
	return p, sig
}

func (h *harness) status(t *testing.T, id string) *types.PaymentIntent {
	t.Helper()
	p, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestConfirmSettles(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	receipt, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)

	assert.Equal(t, p.ID, receipt.IntentID)
	assert.Equal(t, "2.5", receipt.AmountDisplay)
	assert.Equal(t, int64(2_500_000), receipt.Amount)
	assert.Equal(t, "https://testnet.snowtrace.io/tx/"+receipt.TxHash, receipt.ExplorerURL)
	assert.Equal(t, types.SettlementLedger, receipt.Mode)
	assert.Equal(t, p.Sender, receipt.Sender)

	stored := h.status(t, p.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.Receipt)
	assert.Equal(t, receipt.TxHash, stored.Receipt.TxHash)

	_, samples, err := h.history.Median(context.Background(), "stripe.com")
	require.NoError(t, err)
	assert.Equal(t, 1, samples)
}

func TestConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	first, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)
	second, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, 1, h.settler.Calls())
}

func TestConfirmAfterConfirmedWithOtherSignature(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)
	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherSig, err := utils.SignHash(crypto.Keccak256([]byte("x")), other)
	require.NoError(t, err)

	_, err = h.confirmer.Confirm(context.Background(), p.ID, otherSig)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestConcurrentConfirmsSettleOnce(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	const n = 16
	var wg sync.WaitGroup
	hashes := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
			errs[i] = err
			if r != nil {
				hashes[i] = r.TxHash
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, hashes[0], hashes[i])
	}
	assert.Equal(t, 1, h.settler.Calls())
}

func TestConfirmRejectsWrongSigner(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	impostor, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, sig := h.signedIntent(t, impostor)

	_, err = h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrInvalidSignature)

	stored := h.status(t, p.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "invalid signature")
	assert.Zero(t, h.settler.Calls())
}

func TestConfirmRejectsMalformedSignature(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, _ := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, "0xdeadbeef")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, types.StatusAuthorized, h.status(t, p.ID).Status)
}

func TestConfirmRequiresAuthorization(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, err := h.ledger.Create(context.Background(), ledger.CreateRequest{
		URL:       "https://api.stripe.com",
		Amount:    100,
		Sender:    crypto.PubkeyToAddress(h.payer.PublicKey).Hex(),
		Recipient: recipient,
	})
	require.NoError(t, err)
	sig, err := utils.SignHash(crypto.Keccak256([]byte("anything")), h.payer)
	require.NoError(t, err)

	_, err = h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestConfirmUnknownIntent(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	sig, err := utils.SignHash(crypto.Keccak256([]byte("anything")), h.payer)
	require.NoError(t, err)

	_, err = h.confirmer.Confirm(context.Background(), "missing", sig)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConfirmExpired(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)
	h.confirmer.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrExpired)
	assert.Equal(t, types.StatusExpired, h.status(t, p.ID).Status)
	assert.Zero(t, h.settler.Calls())
}

func TestConfirmAfterReissueRejectsOldSignature(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, oldSig := h.signedIntent(t, h.payer)

	_, err := h.issuer.Issue(context.Background(), p.ID)
	require.NoError(t, err)

	_, err = h.confirmer.Confirm(context.Background(), p.ID, oldSig)
	assert.ErrorIs(t, err, types.ErrInvalidSignature)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	transient := errors.New("rpc timeout")
	h := newHarness(t, &fakeSettler{errs: []error{transient, transient}}, nil)
	p, sig := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)
	assert.Equal(t, 3, h.settler.Calls())
	assert.Equal(t, types.StatusConfirmed, h.status(t, p.ID).Status)
}

func TestRetriesAreBounded(t *testing.T) {
	transient := errors.New("rpc timeout")
	settler := &fakeSettler{errs: []error{transient, transient, transient, transient, transient}}
	h := newHarness(t, settler, nil)
	p, sig := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrSettlementFailed)
	assert.Equal(t, 3, settler.Calls())

	stored := h.status(t, p.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "after 3 attempt(s)")
	assert.Contains(t, stored.FailureReason, "rpc timeout")
	assert.Equal(t, []string{p.ID}, settler.Forgotten())
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	settler := &fakeSettler{errs: []error{backoff.Permanent(errors.New("authorization is used"))}}
	h := newHarness(t, settler, nil)
	p, sig := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrSettlementFailed)
	assert.Equal(t, 1, settler.Calls())
	assert.Equal(t, types.StatusFailed, h.status(t, p.ID).Status)
}

func TestConfirmReturnsInProgress(t *testing.T) {
	settler := &fakeSettler{block: make(chan struct{})}
	h := newHarness(t, settler, func(c *config.SettlementConfig) { c.ConfirmWait = 20 * time.Millisecond })
	p, sig := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrInProgress)
	assert.Equal(t, types.StatusConfirming, h.status(t, p.ID).Status)

	// a retry with the same signature joins the running job
	_, err = h.confirmer.Confirm(context.Background(), p.ID, sig)
	assert.ErrorIs(t, err, types.ErrInProgress)

	close(settler.block)
	require.Eventually(t, func() bool {
		return h.status(t, p.ID).Status == types.StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, settler.Calls())

	receipt, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxHash)
}

func TestConfirmHonoursCallerContext(t *testing.T) {
	settler := &fakeSettler{block: make(chan struct{})}
	h := newHarness(t, settler, nil)
	p, sig := h.signedIntent(t, h.payer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.confirmer.Confirm(ctx, p.ID, sig)
	assert.ErrorIs(t, err, types.ErrInProgress)
	close(settler.block)
}

// reissuingVerifier issues a fresh challenge once verification has passed,
// as an authorize call racing the confirm would.
type reissuingVerifier struct {
	verification.Verifier
	issue func()
}

func (v *reissuingVerifier) Verify(p *types.PaymentIntent, signature string) (*verification.Result, error) {
	res, err := v.Verifier.Verify(p, signature)
	v.issue()
	return res, err
}

func TestConfirmRejectsChallengeReissuedDuringVerify(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	v := &reissuingVerifier{
		Verifier: verification.NewVerificationService(testDomain),
		issue: func() {
			_, err := h.issuer.Issue(context.Background(), p.ID)
			require.NoError(t, err)
		},
	}
	settler := &fakeSettler{}
	c := NewConfirmer(h.ledger, v, testDomain, settler, testSettlementConfig())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	_, err := c.Confirm(context.Background(), p.ID, sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.Equal(t, types.ErrCodeInvalidState, types.CodeOf(err))

	stored := h.status(t, p.ID)
	assert.Equal(t, types.StatusAuthorized, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
	assert.Empty(t, stored.Signature)
	assert.Zero(t, settler.Calls())
}

func TestStopLeavesIntentConfirming(t *testing.T) {
	settler := &fakeSettler{block: make(chan struct{})}
	h := newHarness(t, settler, func(c *config.SettlementConfig) { c.ConfirmWait = 20 * time.Millisecond })
	p, sig := h.signedIntent(t, h.payer)

	_, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.ErrorIs(t, err, types.ErrInProgress)

	h.confirmer.Stop()
	assert.Equal(t, types.StatusConfirming, h.status(t, p.ID).Status)
}

func TestStartResumesConfirmingIntents(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	// simulate a crash after the settlement was broadcast
	_, err := h.ledger.BeginConfirm(context.Background(), p.ID, h.status(t, p.ID).Nonce, sig)
	require.NoError(t, err)
	submitted := crypto.Keccak256Hash([]byte("broadcast")).Hex()
	_, err = h.ledger.RecordSubmission(context.Background(), p.ID, submitted)
	require.NoError(t, err)

	settler := &fakeSettler{}
	restarted := NewConfirmer(h.ledger, verification.NewVerificationService(testDomain), testDomain, settler, testSettlementConfig())
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	require.Eventually(t, func() bool {
		return h.status(t, p.ID).Status == types.StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, settler.Calls())
	assert.Equal(t, submitted, settler.Last().SubmittedTx)

	receipt, err := restarted.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)
	assert.Equal(t, h.status(t, p.ID).Receipt.TxHash, receipt.TxHash)
}

func TestExplorerTxURL(t *testing.T) {
	assert.Equal(t, "https://snowtrace.io/tx/0xabc", ExplorerTxURL("https://snowtrace.io/", "0xabc"))
	assert.Equal(t, "https://snowtrace.io/tx/0xabc", ExplorerTxURL("https://snowtrace.io", "0xabc"))
}

// flakyStore fails the first writes that would confirm an intent.
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Update(ctx context.Context, p *types.PaymentIntent, expected int64) error {
	s.mu.Lock()
	fail := p.Status == types.StatusConfirmed && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Store.Update(ctx, p, expected)
}

func TestConfirmRetriesReceiptWrite(t *testing.T) {
	store := &flakyStore{Store: ledger.NewMemoryStore(), failures: 2}
	h := newHarnessWithStore(t, &fakeSettler{}, store, nil)
	p, sig := h.signedIntent(t, h.payer)

	receipt, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)

	stored := h.status(t, p.ID)
	assert.Equal(t, types.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.Receipt)
	assert.Equal(t, receipt.TxHash, stored.Receipt.TxHash)
	assert.Equal(t, 1, h.settler.Calls())
}

func TestConfirmRecordsSubmittedTx(t *testing.T) {
	h := newHarness(t, &fakeSettler{}, nil)
	p, sig := h.signedIntent(t, h.payer)

	receipt, err := h.confirmer.Confirm(context.Background(), p.ID, sig)
	require.NoError(t, err)
	assert.Equal(t, receipt.TxHash, h.status(t, p.ID).SettlementTx)
}

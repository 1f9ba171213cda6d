package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// gasHeadroom is added to estimates in percent.
const gasHeadroom = 20

// EVMClient submits transferWithAuthorization calls from a treasury account
// that pays gas on behalf of the payer.
type EVMClient struct {
	backend      ChainBackend
	chainID      *big.Int
	token        common.Address
	key          *ecdsa.PrivateKey
	treasury     common.Address
	pollInterval time.Duration
}

// NewEVMClient dials rpcURL and checks it serves chainID.
func NewEVMClient(ctx context.Context, rpcURL string, chainID int64, token common.Address, key *ecdsa.PrivateKey, poll time.Duration) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if remote.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc serves chain %s, configured %d", remote, chainID)
	}
	return NewEVMClientWithBackend(client, big.NewInt(chainID), token, key, poll), nil
}

func NewEVMClientWithBackend(backend ChainBackend, chainID *big.Int, token common.Address, key *ecdsa.PrivateKey, poll time.Duration) *EVMClient {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EVMClient{
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		token:        token,
		key:          key,
		treasury:     crypto.PubkeyToAddress(key.PublicKey),
		pollInterval: poll,
	}
}

// Treasury is the address that pays gas.
func (e *EVMClient) Treasury() common.Address {
	return e.treasury
}

// Ping checks the RPC endpoint.
func (e *EVMClient) Ping(ctx context.Context) error {
	_, err := e.backend.ChainID(ctx)
	return err
}

func (e *EVMClient) Close() {
	e.backend.Close()
}

// SimulateTransferWithAuthorization runs the call with eth_call. A revert is
// returned as *RevertError.
func (e *EVMClient) SimulateTransferWithAuthorization(ctx context.Context, auth TransferAuthorization) error {
	data, err := PackTransferWithAuthorization(auth)
	if err != nil {
		return &RevertError{Reason: err.Error()}
	}
	_, err = e.backend.CallContract(ctx, ethereum.CallMsg{
		From: e.treasury,
		To:   &e.token,
		Data: data,
	}, nil)
	return classify("simulate", err)
}

// SubmitTransferWithAuthorization signs and broadcasts the transfer and
// returns its hash without waiting for inclusion.
func (e *EVMClient) SubmitTransferWithAuthorization(ctx context.Context, auth TransferAuthorization) (common.Hash, error) {
	data, err := PackTransferWithAuthorization(auth)
	if err != nil {
		return common.Hash{}, &RevertError{Reason: err.Error()}
	}

	msg := ethereum.CallMsg{From: e.treasury, To: &e.token, Data: data}
	gas, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, classify("estimate gas", err)
	}
	gas += gas * gasHeadroom / 100

	nonce, err := e.backend.PendingNonceAt(ctx, e.treasury)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &e.token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify("send transaction", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until hash is mined or ctx is done. A status 0 receipt
// returns ErrTxFailed.
func (e *EVMClient) WaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrTxFailed)
			}
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AuthorizationUsed reads authorizationState(authorizer, nonce). It is true
// once the authorization has been used or canceled.
func (e *EVMClient) AuthorizationUsed(ctx context.Context, authorizer common.Address, nonce common.Hash) (bool, error) {
	data, err := PackAuthorizationState(authorizer, nonce)
	if err != nil {
		return false, err
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("authorization state: %w", err)
	}
	return UnpackAuthorizationState(out)
}

// FindAuthorizationTx looks up the transaction that emitted
// AuthorizationUsed(authorizer, nonce). found is false when no such event
// exists, as for a canceled authorization.
func (e *EVMClient) FindAuthorizationTx(ctx context.Context, authorizer common.Address, nonce common.Hash) (common.Hash, bool, error) {
	logs, err := e.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{e.token},
		Topics: [][]common.Hash{
			{tokenABI.Events["AuthorizationUsed"].ID},
			{common.BytesToHash(authorizer.Bytes())},
			{nonce},
		},
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("filter authorization logs: %w", err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if !logs[i].Removed {
			return logs[i].TxHash, true, nil
		}
	}
	return common.Hash{}, false, nil
}

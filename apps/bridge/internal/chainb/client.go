package chainb

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/rpcguard"
)

const defaultPollInterval = 2 * time.Second

var ErrReadOnly = errors.New("chain-B client has no signing key")

// Backend is the subset of *ethclient.Client the bridge uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Receipt is the final outcome of a submitted transaction.
type Receipt struct {
	Handle      string
	BlockNumber uint64
	Reverted    bool
	GasUsed     uint64
}

type Config struct {
	BridgeAddress common.Address
	TokenAddress  common.Address
	PrivateKey    string
	PollInterval  time.Duration
}

type Client struct {
	backend       Backend
	guard         *rpcguard.Guard
	bridgeAddress common.Address
	tokenAddress  common.Address
	bridgeABI     abi.ABI
	tokenABI      abi.ABI
	key           *ecdsa.PrivateKey
	from          common.Address
	pollInterval  time.Duration
	logger        *zap.Logger

	nonceMu   sync.Mutex
	nextNonce *uint64
	chainID   *big.Int
}

// NewClient creates a chain-B client. Without a private key the client is
// read-only and Prepare fails with ErrReadOnly.
func NewClient(backend Backend, config Config, guard *rpcguard.Guard, logger *zap.Logger) (*Client, error) {
	bridgeABI, tokenABI, err := parseABIs()
	if err != nil {
		return nil, err
	}

	c := &Client{
		backend:       backend,
		guard:         guard,
		bridgeAddress: config.BridgeAddress,
		tokenAddress:  config.TokenAddress,
		bridgeABI:     bridgeABI,
		tokenABI:      tokenABI,
		pollInterval:  config.PollInterval,
		logger:        logger,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	if config.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse chain-B private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// SignedTx is a bridge contract transaction signed for a reserved nonce but
// not yet handed to a node. Handle is final before the first broadcast.
type SignedTx struct {
	Handle string
	Raw    string
	Nonce  uint64
}

// Prepare packs and signs a bridge contract transaction and reserves its
// nonce. Nothing is sent, so a failure here never leaves a transaction of
// unknown fate behind. Nonce assignment is serialized so concurrent
// transfers never collide.
func (c *Client) Prepare(ctx context.Context, entrypoint string, args ...interface{}) (*SignedTx, error) {
	if c.key == nil {
		return nil, bridgeerr.New(bridgeerr.KindChainSubmit, entrypoint, ErrReadOnly)
	}

	data, err := c.bridgeABI.Pack(entrypoint, args...)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "pack "+entrypoint, err)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	var signed *types.Transaction
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		chainID, err := c.getChainID(ctx)
		if err != nil {
			return err
		}
		nonce, err := c.getNonce(ctx)
		if err != nil {
			return err
		}
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("failed to suggest gas price: %w", err)
		}
		gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: c.from,
			To:   &c.bridgeAddress,
			Data: data,
		})
		if err != nil {
			return fmt.Errorf("failed to estimate gas: %w", err)
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.bridgeAddress,
			Value:    big.NewInt(0),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainSubmit, "chain-B "+entrypoint)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindChainSubmit, "encode "+entrypoint, err)
	}
	next := signed.Nonce() + 1
	c.nextNonce = &next

	prepared := &SignedTx{
		Handle: signed.Hash().Hex(),
		Raw:    hexutil.Encode(raw),
		Nonce:  signed.Nonce(),
	}
	c.logger.Info("Prepared chain-B transaction",
		zap.String("entrypoint", entrypoint),
		zap.String("tx_handle", prepared.Handle),
		zap.Uint64("nonce", prepared.Nonce))
	return prepared, nil
}

// Broadcast hands a prepared transaction to the node and returns its hash.
// Sending the same bytes again is safe: the hash cannot change and a node
// that already holds the transaction is not an error. A node rejection is
// chain_submit_error; any other failure leaves the outcome unknown and is
// chain_timeout.
func (c *Client) Broadcast(ctx context.Context, raw string) (string, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return "", err
	}
	handle := tx.Hash().Hex()

	err = c.guard.Do(ctx, func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, tx)
	})
	switch {
	case err == nil:
	case isKnownTx(err):
		c.logger.Debug("chain-B node already holds transaction", zap.String("tx_handle", handle))
	case isRejection(err):
		// The nonce was not consumed; let the node say where to continue.
		c.nonceMu.Lock()
		c.nextNonce = nil
		c.nonceMu.Unlock()
		return handle, bridgeerr.New(bridgeerr.KindChainSubmit, "broadcast "+handle, err)
	default:
		return handle, bridgeerr.New(bridgeerr.KindChainTimeout, "broadcast "+handle, err)
	}

	c.logger.Info("Broadcast chain-B transaction",
		zap.String("tx_handle", handle),
		zap.Uint64("nonce", tx.Nonce()))
	return handle, nil
}

// Discard releases the nonce of a prepared transaction that was never
// recorded and so will never be broadcast.
func (c *Client) Discard(raw string) {
	tx, err := decodeTx(raw)
	if err != nil {
		c.logger.Warn("Cannot decode discarded chain-B transaction", zap.Error(err))
		return
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nextNonce != nil && *c.nextNonce == tx.Nonce()+1 {
		nonce := tx.Nonce()
		c.nextNonce = &nonce
	} else {
		c.nextNonce = nil
	}
	c.logger.Info("Released chain-B nonce",
		zap.String("tx_handle", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()))
}

// WaitForInclusion polls for the receipt of handle until it lands or timeout
// passes. A timeout is a retryable chain_timeout, never a failure.
func (c *Client) WaitForInclusion(ctx context.Context, handle string, timeout time.Duration) (*Receipt, error) {
	if !isHexHash(handle) {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "malformed chain-B tx handle", nil)
	}
	hash := common.HexToHash(handle)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := c.guard.Do(waitCtx, func(ctx context.Context) error {
			var callErr error
			receipt, callErr = c.backend.TransactionReceipt(ctx, hash)
			// Not yet mined is an answer, not an RPC failure.
			if errors.Is(callErr, ethereum.NotFound) {
				return nil
			}
			return callErr
		})
		switch {
		case err == nil && receipt != nil:
			result := &Receipt{
				Handle:   handle,
				Reverted: receipt.Status == types.ReceiptStatusFailed,
				GasUsed:  receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return result, nil
		case err != nil && waitCtx.Err() == nil:
			c.logger.Warn("Receipt lookup failed, polling again", zap.String("tx_handle", handle), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			return nil, bridgeerr.New(bridgeerr.KindChainTimeout, "inclusion of "+handle, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Call runs a read-only bridge contract method and returns its unpacked outputs.
func (c *Client) Call(ctx context.Context, entrypoint string, args ...interface{}) ([]interface{}, error) {
	return c.call(ctx, c.bridgeABI, c.bridgeAddress, entrypoint, args...)
}

func (c *Client) IsProcessed(ctx context.Context, transferKey [32]byte) (bool, error) {
	out, err := c.Call(ctx, MethodIsProcessed, transferKey)
	if err != nil {
		return false, err
	}
	processed, ok := out[0].(bool)
	if !ok {
		return false, bridgeerr.New(bridgeerr.KindChainLookup, "unexpected isProcessed output", nil)
	}
	return processed, nil
}

// PendingWithdrawal returns the amount (token units) and chain-A recipient
// the sender has locked for withdrawal.
func (c *Client) PendingWithdrawal(ctx context.Context, sender common.Address) (*big.Int, string, error) {
	out, err := c.Call(ctx, MethodPendingWithdrawal, sender)
	if err != nil {
		return nil, "", err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, "", bridgeerr.New(bridgeerr.KindChainLookup, "unexpected pendingWithdrawal output", nil)
	}
	recipient, _ := out[1].(string)
	return amount, recipient, nil
}

func (c *Client) GetActiveOperators(ctx context.Context) ([]string, error) {
	out, err := c.Call(ctx, MethodGetActiveOperators)
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindChainLookup, "unexpected getActiveOperators output", nil)
	}
	ids := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ids = append(ids, a.Hex())
	}
	return ids, nil
}

// BalanceOf returns the wrapped-token balance of account in token units.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.tokenABI, c.tokenAddress, MethodBalanceOf, account)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindChainLookup, "unexpected balanceOf output", nil)
	}
	return balance, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		number, callErr = c.backend.BlockNumber(ctx)
		return callErr
	})
	if err != nil {
		return 0, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-B block number")
	}
	return number, nil
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		logs, callErr = c.backend.FilterLogs(ctx, query)
		return callErr
	})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-B filter logs")
	}
	return logs, nil
}

// Receipt returns nil, nil for a transaction the node does not know.
func (c *Client) Receipt(ctx context.Context, handle string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		receipt, callErr = c.backend.TransactionReceipt(ctx, common.HexToHash(handle))
		if errors.Is(callErr, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return callErr
	})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-B receipt "+handle)
	}
	return receipt, nil
}

func (c *Client) BridgeABI() abi.ABI {
	return c.bridgeABI
}

func (c *Client) BridgeAddress() common.Address {
	return c.bridgeAddress
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "pack "+method, err)
	}

	var raw []byte
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-B "+method)
	}

	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindChainLookup, "unpack "+method, err)
	}
	return out, nil
}

func (c *Client) getChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

// getNonce must be called with nonceMu held.
func (c *Client) getNonce(ctx context.Context) (uint64, error) {
	if c.nextNonce != nil {
		return *c.nextNonce, nil
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	return nonce, nil
}

func decodeTx(raw string) (*types.Transaction, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "malformed signed transaction", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "malformed signed transaction", err)
	}
	return tx, nil
}

func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// isRejection reports whether the node answered the send with a JSON-RPC
// error, which means it looked at the transaction and refused it.
func isRejection(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

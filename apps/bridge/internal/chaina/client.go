package chaina

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/rpcguard"
)

// RPC is the subset of the btcd rpcclient the bridge needs.
type RPC interface {
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockVerboseTx(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
}

// Transaction is what the validation pipeline needs to know about a deposit.
type Transaction struct {
	TxID          string
	Amount        uint64 // satoshis paid to the custody address
	Confirmations int64
	Valid         bool // found and pays custody
	Recipient     string
}

type ConnConfig struct {
	Host string
	User string
	Pass string
}

type Client struct {
	name    string
	rpc     RPC
	custody string
	guard   *rpcguard.Guard
	logger  *zap.Logger
}

// Dial opens an HTTP POST mode connection to a bitcoind-compatible node.
func Dial(conn ConnConfig) (*rpcclient.Client, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         conn.Host,
		User:         conn.User,
		Pass:         conn.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain-A node %s: %w", conn.Host, err)
	}
	return client, nil
}

// NewClient wraps one chain-A node. name tags its log lines and fallback
// history.
func NewClient(name string, rpc RPC, custodyAddress string, guard *rpcguard.Guard, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		rpc:     rpc,
		custody: custodyAddress,
		guard:   guard,
		logger:  logger.With(zap.String("endpoint", name)),
	}
}

// GetTransaction looks up txid and sums the outputs paying the custody
// address. A transaction the node does not know is returned with Valid=false
// rather than as an error.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "malformed chain-A txid", err)
	}

	var raw *btcjson.TxRawResult
	err = c.call(ctx, func() error {
		var callErr error
		raw, callErr = c.rpc.GetRawTransactionVerbose(hash)
		return callErr
	})
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return &Transaction{TxID: txid}, nil
		}
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-A getrawtransaction")
	}

	deposit, err := ParseDeposit(raw, c.custody)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindChainLookup, "decode chain-A transaction", err)
	}

	return &Transaction{
		TxID:          txid,
		Amount:        deposit.Amount,
		Confirmations: int64(raw.Confirmations),
		Valid:         deposit.Amount > 0,
		Recipient:     deposit.Recipient,
	}, nil
}

func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.call(ctx, func() error {
		var callErr error
		count, callErr = c.rpc.GetBlockCount()
		return callErr
	})
	if err != nil {
		return 0, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "chain-A getblockcount")
	}
	return count, nil
}

func (c *Client) BlockAt(ctx context.Context, height int64) (*btcjson.GetBlockVerboseTxResult, error) {
	var block *btcjson.GetBlockVerboseTxResult
	err := c.call(ctx, func() error {
		hash, callErr := c.rpc.GetBlockHash(height)
		if callErr != nil {
			return callErr
		}
		block, callErr = c.rpc.GetBlockVerboseTx(hash)
		return callErr
	})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, fmt.Sprintf("chain-A block %d", height))
	}
	return block, nil
}

func (c *Client) CustodyAddress() string {
	return c.custody
}

// call runs a blocking rpcclient request under the guard. rpcclient has no
// context support, so on cancellation the request finishes in the background
// and its result is dropped.
func (c *Client) call(ctx context.Context, fn func() error) error {
	return c.guard.Do(ctx, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- fn() }()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			c.logger.Warn("Chain-A RPC abandoned", zap.Error(ctx.Err()))
			return ctx.Err()
		}
	})
}

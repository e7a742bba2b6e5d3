package chainb

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"bridge/apps/bridge/internal/bridgeerr"
)

// WithdrawalRequest is a decoded WithdrawalRequested event.
type WithdrawalRequest struct {
	TxHash       common.Hash
	LogIndex     uint
	BlockNumber  uint64
	Sender       common.Address
	BTCRecipient string
	Amount       *big.Int // token units
	Nonce        *big.Int
}

func (w *WithdrawalRequest) RequestRef() string {
	return RequestRef(w.TxHash, w.LogIndex)
}

// RequestRef identifies a withdrawal request by the log that emitted it.
func RequestRef(txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", txHash.Hex(), logIndex)
}

func ParseRequestRef(ref string) (common.Hash, uint, error) {
	hash, index, ok := strings.Cut(ref, ":")
	if !ok || !isHexHash(hash) {
		return common.Hash{}, 0, fmt.Errorf("malformed request ref %q", ref)
	}
	logIndex, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("malformed request ref %q: %w", ref, err)
	}
	return common.HexToHash(hash), uint(logIndex), nil
}

func (c *Client) DecodeWithdrawalLog(eventLog types.Log) (*WithdrawalRequest, error) {
	if len(eventLog.Topics) < 2 || eventLog.Topics[0] != WithdrawalRequestedSig {
		return nil, fmt.Errorf("log %s:%d is not a WithdrawalRequested event", eventLog.TxHash.Hex(), eventLog.Index)
	}

	var eventData struct {
		BtcRecipient string
		Amount       *big.Int
		Nonce        *big.Int
	}
	if err := c.bridgeABI.UnpackIntoInterface(&eventData, "WithdrawalRequested", eventLog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack WithdrawalRequested event data: %w", err)
	}

	return &WithdrawalRequest{
		TxHash:       eventLog.TxHash,
		LogIndex:     eventLog.Index,
		BlockNumber:  eventLog.BlockNumber,
		Sender:       common.BytesToAddress(eventLog.Topics[1].Bytes()),
		BTCRecipient: eventData.BtcRecipient,
		Amount:       eventData.Amount,
		Nonce:        eventData.Nonce,
	}, nil
}

// WithdrawalRequest resolves a request ref back to its event. It returns
// nil, nil when the transaction is unknown, reverted, or has no such log.
func (c *Client) WithdrawalRequest(ctx context.Context, ref string) (*WithdrawalRequest, error) {
	txHash, logIndex, err := ParseRequestRef(ref)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "request ref", err)
	}

	receipt, err := c.Receipt(ctx, txHash.Hex())
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.Status == types.ReceiptStatusFailed {
		return nil, nil
	}

	for _, l := range receipt.Logs {
		if l == nil || l.Index != logIndex || l.Address != c.bridgeAddress {
			continue
		}
		req, err := c.DecodeWithdrawalLog(*l)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindValidation, "withdrawal log", err)
		}
		return req, nil
	}
	return nil, nil
}

package chaina

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common"
)

const nullDataType = "nulldata"

// Deposit is the bridge-relevant content of a chain-A transaction.
type Deposit struct {
	TxID   string
	Amount uint64
	// Recipient is the chain-B address committed in an OP_RETURN output, or
	// empty when the transaction carries none.
	Recipient string
}

// ParseDeposit sums the outputs paying custody and extracts the first
// 20-byte OP_RETURN push as the chain-B recipient.
func ParseDeposit(tx *btcjson.TxRawResult, custody string) (*Deposit, error) {
	deposit := &Deposit{TxID: tx.Txid}

	for _, out := range tx.Vout {
		if out.ScriptPubKey.Type == nullDataType {
			if deposit.Recipient == "" {
				deposit.Recipient = recipientFromNullData(out.ScriptPubKey.Hex)
			}
			continue
		}
		if !paysTo(out.ScriptPubKey, custody) {
			continue
		}
		amount, err := btcutil.NewAmount(out.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid output value %v: %w", out.Value, err)
		}
		if amount < 0 {
			return nil, fmt.Errorf("negative output value %v", out.Value)
		}
		deposit.Amount += uint64(amount)
	}
	return deposit, nil
}

func paysTo(script btcjson.ScriptPubKeyResult, address string) bool {
	if script.Address == address {
		return true
	}
	for _, a := range script.Addresses {
		if a == address {
			return true
		}
	}
	return false
}

func recipientFromNullData(scriptHex string) string {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return ""
	}
	pushes, err := txscript.PushedData(script)
	if err != nil {
		return ""
	}
	for _, push := range pushes {
		if len(push) == common.AddressLength {
			return common.BytesToAddress(push).Hex()
		}
	}
	return ""
}

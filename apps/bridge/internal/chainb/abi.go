package chainb

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Bridge contract entrypoints.
const (
	MethodSubmitDeposit      = "submitDeposit"
	MethodSubmitWithdrawal   = "submitWithdrawal"
	MethodIsProcessed        = "isProcessed"
	MethodPendingWithdrawal  = "pendingWithdrawal"
	MethodGetActiveOperators = "getActiveOperators"
	MethodBalanceOf          = "balanceOf"
)

const BridgeABI = `[
	{
		"type": "function",
		"name": "submitDeposit",
		"stateMutability": "nonpayable",
		"inputs": [
			{"internalType": "bytes32", "name": "transferKey", "type": "bytes32"},
			{"internalType": "address", "name": "recipient", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes[]", "name": "signatures", "type": "bytes[]"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "submitWithdrawal",
		"stateMutability": "nonpayable",
		"inputs": [
			{"internalType": "bytes32", "name": "transferKey", "type": "bytes32"},
			{"internalType": "address", "name": "sender", "type": "address"},
			{"internalType": "string", "name": "btcRecipient", "type": "string"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes[]", "name": "signatures", "type": "bytes[]"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "isProcessed",
		"stateMutability": "view",
		"inputs": [{"internalType": "bytes32", "name": "transferKey", "type": "bytes32"}],
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}]
	},
	{
		"type": "function",
		"name": "pendingWithdrawal",
		"stateMutability": "view",
		"inputs": [{"internalType": "address", "name": "sender", "type": "address"}],
		"outputs": [
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "string", "name": "btcRecipient", "type": "string"}
		]
	},
	{
		"type": "function",
		"name": "getActiveOperators",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"internalType": "address[]", "name": "", "type": "address[]"}]
	},
	{
		"type": "event",
		"name": "WithdrawalRequested",
		"anonymous": false,
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address", "indexed": true},
			{"internalType": "string", "name": "btcRecipient", "type": "string", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "uint256", "name": "nonce", "type": "uint256", "indexed": false}
		]
	}
]`

const TokenABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}]
	}
]`

// Event signatures
var (
	WithdrawalRequestedSig = crypto.Keccak256Hash([]byte("WithdrawalRequested(address,string,uint256,uint256)"))
)

func parseABIs() (abi.ABI, abi.ABI, error) {
	bridge, err := abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}
	token, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("failed to parse token ABI: %w", err)
	}
	return bridge, token, nil
}

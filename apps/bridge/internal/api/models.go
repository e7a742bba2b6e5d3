package api

import (
	"time"

	"bridge/apps/bridge/internal/fallback"
)

// CreateTransferRequest is the body of POST /api/transfers
type CreateTransferRequest struct {
	Direction  string `json:"direction" validate:"required,oneof=deposit withdrawal"`
	Amount     uint64 `json:"amount" validate:"required,gt=0"`
	SourceRef  string `json:"source_ref" validate:"required,max=128"`
	DestRef    string `json:"dest_ref" validate:"required,max=128"`
	RequestRef string `json:"request_ref,omitempty" validate:"omitempty,max=160"`
}

// TransferResponse represents the API response for a transfer
type TransferResponse struct {
	ID            string     `json:"id"`
	Direction     string     `json:"direction"`
	Amount        uint64     `json:"amount"`
	AmountBTC     string     `json:"amount_btc"`
	SourceRef     string     `json:"source_ref"`
	DestRef       string     `json:"dest_ref"`
	RequestRef    string     `json:"request_ref,omitempty"`
	Status        string     `json:"status"`
	ChainTxHandle string     `json:"chain_tx_handle,omitempty"`
	Attempts      int        `json:"attempts"`
	ErrorReason   *string    `json:"error_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// TransfersResponse lists the transfers sharing a source reference
type TransfersResponse struct {
	SourceRef string             `json:"source_ref"`
	Transfers []TransferResponse `json:"transfers"`
}

// BalanceResponse represents the wrapped-token balance of a chain-B account
type BalanceResponse struct {
	WalletAddress string       `json:"wallet_address"`
	Balance       TokenBalance `json:"balance"`
}

// TokenBalance represents balance information for the wrapped token
type TokenBalance struct {
	Balance  string `json:"balance"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// HealthResponse is the fallback registry health plus every registered operation
type HealthResponse struct {
	fallback.Health
	RegisteredOperations []string `json:"registered_operations"`
}

// FallbackModeRequest is the body of PUT /api/fallback-mode
type FallbackModeRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

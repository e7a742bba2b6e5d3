package api

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
)

type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// BalanceHandler handles balance-related API endpoints
type BalanceHandler struct {
	reader        BalanceReader
	assetRegistry *assets.AssetRegistry
	logger        *zap.Logger
}

func NewBalanceHandler(reader BalanceReader, assetRegistry *assets.AssetRegistry, logger *zap.Logger) *BalanceHandler {
	return &BalanceHandler{reader: reader, assetRegistry: assetRegistry, logger: logger}
}

// GetBalance handles GET /api/balance/{wallet_address}
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	walletAddress := mux.Vars(r)["wallet_address"]

	if !common.IsHexAddress(walletAddress) {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_wallet_address", "Invalid chain-B address format")
		return
	}

	asset := h.assetRegistry.Wrapped()
	balance, err := h.reader.BalanceOf(r.Context(), common.HexToAddress(walletAddress))
	if err != nil {
		h.logger.Error("Failed to get token balance",
			zap.String("token", asset.Symbol),
			zap.String("wallet_address", walletAddress),
			zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusBadGateway, "chain_lookup_error", "Failed to read balance from chain-B")
		return
	}

	response := BalanceResponse{
		WalletAddress: walletAddress,
		Balance: TokenBalance{
			Balance:  decimal.NewFromBigInt(balance, -int32(asset.Decimals)).String(),
			Symbol:   asset.Symbol,
			Address:  asset.Address.Hex(),
			Decimals: asset.Decimals,
		},
	}

	h.logger.Info("Retrieved wallet balance",
		zap.String("wallet_address", walletAddress),
		zap.String("balance", response.Balance.Balance))

	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

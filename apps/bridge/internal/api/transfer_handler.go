package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

type TransferService interface {
	Submit(ctx context.Context, req model.SubmissionRequest) (*model.Transfer, error)
	GetStatus(ctx context.Context, id string) (*model.Transfer, error)
	GetBySourceRef(ctx context.Context, sourceRef string) ([]*model.Transfer, error)
}

// TransferHandler handles transfer-related API endpoints
type TransferHandler struct {
	service   TransferService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewTransferHandler(service TransferService, logger *zap.Logger) *TransferHandler {
	return &TransferHandler{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
}

// CreateTransfer handles POST /api/transfers. A known dedup reference
// answers 200 with the existing id and status already_processed.
func (h *TransferHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "validation_error", validationMessage(err))
		return
	}

	transfer, err := h.service.Submit(r.Context(), model.SubmissionRequest{
		Direction:  model.Direction(req.Direction),
		Amount:     req.Amount,
		SourceRef:  req.SourceRef,
		DestRef:    req.DestRef,
		RequestRef: req.RequestRef,
	})
	if err != nil {
		if errors.Is(err, bridgeerr.Validation) {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		h.logger.Error("Failed to submit transfer", zap.String("source_ref", req.SourceRef), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to register transfer")
		return
	}

	status := http.StatusAccepted
	if transfer.Status == model.StatusAlreadyProcessed {
		status = http.StatusOK
	}
	writeJSONResponse(w, h.logger, status, toTransferResponse(transfer))
}

// GetTransfer handles GET /api/transfers/{id}
func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	transfer, err := h.service.GetStatus(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeErrorResponse(w, h.logger, http.StatusNotFound, "transfer_not_found", "Transfer not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get transfer", zap.String("transfer_id", id), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to retrieve transfer")
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, toTransferResponse(transfer))
}

// GetTransfersBySource handles GET /api/transfers/source/{source_ref}
func (h *TransferHandler) GetTransfersBySource(w http.ResponseWriter, r *http.Request) {
	sourceRef := mux.Vars(r)["source_ref"]

	transfers, err := h.service.GetBySourceRef(r.Context(), sourceRef)
	if err != nil {
		h.logger.Error("Failed to get transfers", zap.String("source_ref", sourceRef), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to retrieve transfers")
		return
	}
	if len(transfers) == 0 {
		writeErrorResponse(w, h.logger, http.StatusNotFound, "transfer_not_found", "No transfer for this source reference")
		return
	}

	response := TransfersResponse{SourceRef: sourceRef, Transfers: make([]TransferResponse, 0, len(transfers))}
	for _, t := range transfers {
		response.Transfers = append(response.Transfers, toTransferResponse(t))
	}
	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

func toTransferResponse(t *model.Transfer) TransferResponse {
	return TransferResponse{
		ID:            t.ID,
		Direction:     string(t.Direction),
		Amount:        t.Amount,
		AmountBTC:     decimal.New(int64(t.Amount), -assets.SatDecimals).String(),
		SourceRef:     t.SourceRef,
		DestRef:       t.DestRef,
		RequestRef:    t.RequestRef,
		Status:        string(t.Status),
		ChainTxHandle: t.ChainTxHandle,
		Attempts:      t.Attempts,
		ErrorReason:   t.ErrorReason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
		FailedAt:      t.FailedAt,
	}
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err.Error()
	}
	fe := fieldErrors[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}

func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	writeJSONResponse(w, logger, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

package chaina

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

const maxBlocksPerTick = 50

type BlockSource interface {
	BlockCount(ctx context.Context) (int64, error)
	BlockAt(ctx context.Context, height int64) (*btcjson.GetBlockVerboseTxResult, error)
	CustodyAddress() string
}

type CursorStore interface {
	GetLastProcessedBlock(ctx context.Context, chain string) (uint64, error)
	UpdateLastProcessedBlock(ctx context.Context, chain string, block uint64) error
}

type Submitter interface {
	Submit(ctx context.Context, req model.SubmissionRequest) (*model.Transfer, error)
}

// Watcher scans finalized chain-A blocks for payments to the custody
// address and submits each as a deposit.
type Watcher struct {
	source         BlockSource
	cursor         CursorStore
	submitter      Submitter
	interval       time.Duration
	finalityOffset int64
	logger         *zap.Logger
}

// NewWatcher creates a Watcher that submits custody deposits found
// finalityOffset blocks behind the chain-A tip.
func NewWatcher(source BlockSource, cursor CursorStore, submitter Submitter, interval time.Duration, finalityOffset int64, logger *zap.Logger) *Watcher {
	return &Watcher{
		source:         source,
		cursor:         cursor,
		submitter:      submitter,
		interval:       interval,
		finalityOffset: finalityOffset,
		logger:         logger,
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting chain-A deposit watcher", zap.String("custody_address", w.source.CustodyAddress()))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil {
			w.logger.Error("Error scanning chain-A blocks", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes every block between the cursor and the finality horizon,
// bounded per call. The cursor advances after each fully submitted block.
func (w *Watcher) Poll(ctx context.Context) error {
	tip, err := w.source.BlockCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block count: %w", err)
	}
	safe := tip - w.finalityOffset
	if safe < 1 {
		return nil
	}

	last, err := w.cursor.GetLastProcessedBlock(ctx, repository.CursorChainA)
	if err != nil {
		return err
	}
	if last == 0 {
		// First run starts at the current horizon instead of genesis.
		w.logger.Info("No chain-A cursor, starting at finality horizon", zap.Int64("block", safe))
		last = uint64(safe - 1)
	}

	end := safe
	if end > int64(last)+maxBlocksPerTick {
		end = int64(last) + maxBlocksPerTick
	}

	for height := int64(last) + 1; height <= end; height++ {
		if err := w.processBlock(ctx, height); err != nil {
			return fmt.Errorf("failed to process block %d: %w", height, err)
		}
		if err := w.cursor.UpdateLastProcessedBlock(ctx, repository.CursorChainA, uint64(height)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) processBlock(ctx context.Context, height int64) error {
	block, err := w.source.BlockAt(ctx, height)
	if err != nil {
		return err
	}

	custody := w.source.CustodyAddress()
	for i := range block.Tx {
		deposit, err := ParseDeposit(&block.Tx[i], custody)
		if err != nil {
			w.logger.Warn("Skipping undecodable transaction", zap.String("tx_id", block.Tx[i].Txid), zap.Error(err))
			continue
		}
		if deposit.Amount == 0 {
			continue
		}
		if deposit.Recipient == "" {
			w.logger.Warn("Custody payment without chain-B recipient, needs manual handling",
				zap.String("tx_id", deposit.TxID),
				zap.Uint64("amount", deposit.Amount))
			continue
		}

		transfer, err := w.submitter.Submit(ctx, model.SubmissionRequest{
			Direction: model.DirectionDeposit,
			Amount:    deposit.Amount,
			SourceRef: deposit.TxID,
			DestRef:   deposit.Recipient,
		})
		if err != nil {
			return fmt.Errorf("failed to submit deposit %s: %w", deposit.TxID, err)
		}

		w.logger.Info("Found deposit",
			zap.Int64("block", height),
			zap.String("tx_id", deposit.TxID),
			zap.String("transfer_id", transfer.ID),
			zap.String("status", string(transfer.Status)))
	}
	return nil
}

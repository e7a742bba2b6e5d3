package chainb

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

type CursorStore interface {
	GetLastProcessedBlock(ctx context.Context, chain string) (uint64, error)
	UpdateLastProcessedBlock(ctx context.Context, chain string, block uint64) error
}

type Submitter interface {
	Submit(ctx context.Context, req model.SubmissionRequest) (*model.Transfer, error)
}

type CrawlerConfig struct {
	Interval       time.Duration
	ChunkSize      uint64
	FinalityOffset uint64
}

// Crawler follows WithdrawalRequested events on the bridge contract and
// submits each one as a withdrawal.
type Crawler struct {
	client    *Client
	cursor    CursorStore
	submitter Submitter
	assets    *assets.AssetRegistry
	config    CrawlerConfig
	logger    *zap.Logger
}

// NewCrawler creates a Crawler for withdrawal requests emitted by the bridge
// contract.
func NewCrawler(client *Client, cursor CursorStore, submitter Submitter, registry *assets.AssetRegistry, config CrawlerConfig, logger *zap.Logger) *Crawler {
	if config.ChunkSize == 0 {
		config.ChunkSize = 100
	}
	if config.Interval <= 0 {
		config.Interval = 12 * time.Second
	}
	return &Crawler{
		client:    client,
		cursor:    cursor,
		submitter: submitter,
		assets:    registry,
		config:    config,
		logger:    logger,
	}
}

func (c *Crawler) Start(ctx context.Context) error {
	c.logger.Info("Starting chain-B withdrawal crawler", zap.String("bridge_address", c.client.BridgeAddress().Hex()))

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		if err := c.Poll(ctx); err != nil {
			c.logger.Error("Error crawling chain-B blocks", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll scans from the cursor up to the finality horizon in chunks, storing
// the cursor after each chunk.
func (c *Crawler) Poll(ctx context.Context) error {
	latestBlock, err := c.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if latestBlock <= c.config.FinalityOffset {
		return nil
	}
	safeBlock := latestBlock - c.config.FinalityOffset

	lastProcessedBlock, err := c.cursor.GetLastProcessedBlock(ctx, repository.CursorChainB)
	if err != nil {
		return err
	}
	if lastProcessedBlock == 0 {
		c.logger.Info("No chain-B cursor, starting at finality horizon", zap.Uint64("block", safeBlock))
		lastProcessedBlock = safeBlock - 1
	}
	if safeBlock <= lastProcessedBlock {
		return nil
	}

	return c.processBlockRange(ctx, lastProcessedBlock+1, safeBlock)
}

func (c *Crawler) processBlockRange(ctx context.Context, fromBlock, toBlock uint64) error {
	for start := fromBlock; start <= toBlock; start += c.config.ChunkSize {
		end := start + c.config.ChunkSize - 1
		if end > toBlock {
			end = toBlock
		}

		c.logger.Debug("Scanning block range for withdrawals", zap.Uint64("start", start), zap.Uint64("end", end))

		if err := c.processWithdrawalEvents(ctx, start, end); err != nil {
			return fmt.Errorf("failed to process chunk %d-%d: %w", start, end, err)
		}

		if err := c.cursor.UpdateLastProcessedBlock(ctx, repository.CursorChainB, end); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) processWithdrawalEvents(ctx context.Context, fromBlock, toBlock uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.client.BridgeAddress()},
		Topics:    [][]common.Hash{{WithdrawalRequestedSig}},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	for _, eventLog := range logs {
		if eventLog.Removed {
			continue
		}
		request, err := c.client.DecodeWithdrawalLog(eventLog)
		if err != nil {
			c.logger.Error("Skipping undecodable withdrawal event", zap.String("tx_hash", eventLog.TxHash.Hex()), zap.Error(err))
			continue
		}
		if err := c.submitWithdrawal(ctx, request); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) submitWithdrawal(ctx context.Context, request *WithdrawalRequest) error {
	sats, err := c.assets.ToSats(request.Amount)
	if err != nil || sats == 0 {
		c.logger.Warn("Skipping withdrawal with unbridgeable amount",
			zap.String("request_ref", request.RequestRef()),
			zap.Stringer("amount", request.Amount),
			zap.Error(err))
		return nil
	}

	transfer, err := c.submitter.Submit(ctx, model.SubmissionRequest{
		Direction:  model.DirectionWithdrawal,
		Amount:     sats,
		SourceRef:  request.Sender.Hex(),
		DestRef:    request.BTCRecipient,
		RequestRef: request.RequestRef(),
	})
	if err != nil {
		return fmt.Errorf("failed to submit withdrawal %s: %w", request.RequestRef(), err)
	}

	c.logger.Info("Found withdrawal request",
		zap.String("request_ref", request.RequestRef()),
		zap.String("sender", request.Sender.Hex()),
		zap.String("transfer_id", transfer.ID),
		zap.String("status", string(transfer.Status)))
	return nil
}

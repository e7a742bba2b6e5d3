package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

const (
	CursorChainA = "a"
	CursorChainB = "b"
)

// CrawlerRepository keeps the per-chain block cursors of the watchers and
// hands out outbox rows to the event publisher.
type CrawlerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCrawlerRepository keeps crawler cursors and the outbox in db.
func NewCrawlerRepository(db *sql.DB, logger *zap.Logger) *CrawlerRepository {
	return &CrawlerRepository{db: db, logger: logger}
}

// GetLastProcessedBlock returns 0, nil for a chain that has never been crawled.
func (c *CrawlerRepository) GetLastProcessedBlock(ctx context.Context, chain string) (uint64, error) {
	var block int64
	err := c.db.QueryRowContext(ctx, `
		SELECT last_processed_block FROM crawler_state WHERE chain = $1
	`, chain).Scan(&block)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get last processed block: %w", err)
	}
	return uint64(block), nil
}

func (c *CrawlerRepository) UpdateLastProcessedBlock(ctx context.Context, chain string, block uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO crawler_state (chain, last_processed_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			updated_at = NOW()
	`, chain, int64(block))
	if err != nil {
		return fmt.Errorf("failed to update last processed block: %w", err)
	}
	return nil
}

// GetUnsentEventsForProcessing claims up to limit unsent rows by flipping them
// to processing. SKIP LOCKED lets several publishers drain concurrently.
func (c *CrawlerRepository) GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, transfer_id, event_type, status, event_blob, created_at
		FROM event_outbox
		WHERE status = 'unsent'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	var ids []int64
	for rows.Next() {
		var event model.OutboxEvent
		var blob []byte
		if err := rows.Scan(&event.ID, &event.TransferID, &event.EventType, &event.Status,
			&blob, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.EventBlob = blob
		events = append(events, event)
		ids = append(ids, event.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE event_outbox SET status = 'processing'
			WHERE id = ANY($1) AND status = 'unsent'
		`, pq.Array(ids))
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *CrawlerRepository) MarkEventAsSent(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'sent' WHERE id = $1
	`, id)
	return err
}

// MarkEventAsFailed returns a claimed row to the unsent pool.
func (c *CrawlerRepository) MarkEventAsFailed(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'unsent' WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}

// ReleaseStuckEvents requeues rows a crashed publisher left in processing.
func (c *CrawlerRepository) ReleaseStuckEvents(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'unsent' WHERE status = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck outbox events: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		c.logger.Warn("Released stuck outbox events", zap.Int64("count", n))
	}
	return n, nil
}

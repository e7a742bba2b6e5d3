package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration creates the bridge tables and indexes. Every statement is
// idempotent so it runs on each start.
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transfers (
			id UUID PRIMARY KEY,
			direction VARCHAR(20) NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			source_ref VARCHAR(128) NOT NULL,
			dest_ref VARCHAR(128) NOT NULL,
			request_ref VARCHAR(160) NOT NULL DEFAULT '',
			dedup_key VARCHAR(200),
			status VARCHAR(32) NOT NULL,
			chain_tx_handle VARCHAR(66) NOT NULL DEFAULT '',
			signed_tx TEXT NOT NULL DEFAULT '',
			signature_set JSONB,
			attempts INTEGER NOT NULL DEFAULT 0,
			error_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			submitted_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ
		)`,
		`ALTER TABLE transfers ADD COLUMN IF NOT EXISTS signed_tx TEXT NOT NULL DEFAULT ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_dedup_key ON transfers (dedup_key) WHERE dedup_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_status_updated ON transfers (status, updated_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_source_ref ON transfers (source_ref)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			id BIGSERIAL PRIMARY KEY,
			transfer_id UUID NOT NULL REFERENCES transfers (id),
			event_type VARCHAR(40) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			event_blob JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox (status, id)`,
		`CREATE TABLE IF NOT EXISTS crawler_state (
			chain VARCHAR(8) PRIMARY KEY,
			last_processed_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

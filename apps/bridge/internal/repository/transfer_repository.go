package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/events"
	"bridge/apps/bridge/internal/model"
)

const uniqueViolation = "23505"

const transferColumns = `id, direction, amount, source_ref, dest_ref, request_ref, status, chain_tx_handle,
	signed_tx, signature_set, attempts, error_reason, created_at, updated_at, submitted_at, completed_at, failed_at`

type TransferRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTransferRepository creates the Postgres-backed Store.
func NewTransferRepository(db *sql.DB, logger *zap.Logger) *TransferRepository {
	return &TransferRepository{db: db, logger: logger}
}

// Create inserts a new transfer together with its transfer_created outbox row.
func (r *TransferRepository) Create(ctx context.Context, t *model.Transfer) error {
	sigs, err := marshalSignatureSet(t.SignatureSet)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfers (id, direction, amount, source_ref, dest_ref, request_ref, dedup_key, status,
			chain_tx_handle, signed_tx, signature_set, attempts, error_reason, created_at, updated_at, submitted_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, t.ID, t.Direction, int64(t.Amount), t.SourceRef, t.DestRef, t.RequestRef, nullString(t.DedupKey()), t.Status,
		t.ChainTxHandle, t.SignedTx, sigs, t.Attempts, t.ErrorReason, t.CreatedAt, t.UpdatedAt, t.SubmittedAt, t.CompletedAt, t.FailedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	if err := insertOutboxEvent(ctx, tx, events.EventTransferCreated, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}

	r.logger.Info("Created transfer",
		zap.String("transfer_id", t.ID),
		zap.String("direction", string(t.Direction)),
		zap.String("source_ref", t.SourceRef))
	return nil
}

// Put persists the mutable fields of an existing transfer and records a
// transfer_status_changed outbox row in the same transaction. A non-empty
// chain tx handle can be written once and never replaced.
func (r *TransferRepository) Put(ctx context.Context, t *model.Transfer) error {
	sigs, err := marshalSignatureSet(t.SignatureSet)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE transfers SET
			status = $2,
			chain_tx_handle = $3,
			signature_set = $4,
			attempts = $5,
			error_reason = $6,
			updated_at = $7,
			submitted_at = $8,
			completed_at = $9,
			failed_at = $10,
			signed_tx = $11
		WHERE id = $1 AND (chain_tx_handle = '' OR chain_tx_handle = $3)
	`, t.ID, t.Status, t.ChainTxHandle, sigs, t.Attempts, t.ErrorReason, t.UpdatedAt, t.SubmittedAt, t.CompletedAt, t.FailedAt,
		t.SignedTx)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		existing, err := r.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrHandleOverwrite
	}

	if err := insertOutboxEvent(ctx, tx, events.EventTransferStatusChanged, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id string) (*model.Transfer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

func (r *TransferRepository) GetByDedupKey(ctx context.Context, key string) (*model.Transfer, error) {
	if key == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE dedup_key = $1`, key)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transfer by dedup key: %w", err)
	}
	return t, nil
}

func (r *TransferRepository) GetBySourceRef(ctx context.Context, sourceRef string) ([]*model.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE source_ref = $1
		ORDER BY created_at DESC
	`, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers by source ref: %w", err)
	}
	return collectTransfers(rows)
}

func (r *TransferRepository) QueryByStatus(ctx context.Context, status model.Status, maxAge time.Duration, limit int) ([]*model.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = $1 AND ($2::bigint = 0 OR created_at >= NOW() - make_interval(secs => $2::bigint))
		ORDER BY updated_at
		LIMIT $3
	`, status, int64(maxAge.Seconds()), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers by status: %w", err)
	}
	return collectTransfers(rows)
}

// QueryPage is QueryByStatus with keyset paging: it returns up to limit
// records ordered after the cursor. A zero cursor starts from the beginning.
func (r *TransferRepository) QueryPage(ctx context.Context, status model.Status, maxAge time.Duration, after Cursor, limit int) ([]*model.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = $1 AND ($2::bigint = 0 OR created_at >= NOW() - make_interval(secs => $2::bigint))
			AND ($3::timestamptz IS NULL OR (updated_at, id) > ($3::timestamptz, $4::uuid))
		ORDER BY updated_at, id
		LIMIT $5
	`, status, int64(maxAge.Seconds()), sql.NullTime{Time: after.UpdatedAt, Valid: !after.IsZero()}, nullString(after.ID),
		limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer page: %w", err)
	}
	return collectTransfers(rows)
}

func (r *TransferRepository) QueryStale(ctx context.Context, status model.Status, olderThan time.Duration, limit int) ([]*model.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = $1 AND created_at < NOW() - make_interval(secs => $2::bigint)
		ORDER BY created_at
		LIMIT $3
	`, status, int64(olderThan.Seconds()), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale transfers: %w", err)
	}
	return collectTransfers(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*model.Transfer, error) {
	var (
		t           model.Transfer
		amount      int64
		sigs        []byte
		errorReason sql.NullString
		submittedAt sql.NullTime
		completedAt sql.NullTime
		failedAt    sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Direction, &amount, &t.SourceRef, &t.DestRef, &t.RequestRef, &t.Status,
		&t.ChainTxHandle, &t.SignedTx, &sigs, &t.Attempts, &errorReason, &t.CreatedAt, &t.UpdatedAt,
		&submittedAt, &completedAt, &failedAt); err != nil {
		return nil, err
	}

	t.Amount = uint64(amount)
	if errorReason.Valid {
		t.ErrorReason = &errorReason.String
	}
	t.SubmittedAt = nullTime(submittedAt)
	t.CompletedAt = nullTime(completedAt)
	t.FailedAt = nullTime(failedAt)

	if len(sigs) > 0 {
		var set model.SignatureSet
		if err := json.Unmarshal(sigs, &set); err != nil {
			return nil, fmt.Errorf("failed to decode signature set: %w", err)
		}
		t.SignatureSet = &set
	}
	return &t, nil
}

func collectTransfers(rows *sql.Rows) ([]*model.Transfer, error) {
	defer rows.Close()

	var transfers []*model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return transfers, nil
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, eventType string, t *model.Transfer) error {
	blob, err := json.Marshal(events.FromTransfer(eventType, t))
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_outbox (transfer_id, event_type, status, event_blob)
		VALUES ($1, $2, 'unsent', $3)
	`, t.ID, eventType, string(blob))
	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}
	return nil
}

// marshalSignatureSet returns text rather than bytes: pq sends []byte as
// bytea, which jsonb columns reject.
func marshalSignatureSet(set *model.SignatureSet) (sql.NullString, error) {
	if set == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(set)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode signature set: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

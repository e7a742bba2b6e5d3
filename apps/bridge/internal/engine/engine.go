// Package engine owns the transfer lifecycle. Submit creates records and
// Advance is the only code path that mutates them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/chainb"
	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
	"bridge/apps/bridge/internal/signature"
	"bridge/apps/bridge/internal/validation"
)

// maxStepsPerDrive bounds one Drive call; the graph has no cycle longer than this
// without passing through a parked status.
const maxStepsPerDrive = 16

type Store interface {
	Create(ctx context.Context, t *model.Transfer) error
	Put(ctx context.Context, t *model.Transfer) error
	Get(ctx context.Context, id string) (*model.Transfer, error)
	GetByDedupKey(ctx context.Context, key string) (*model.Transfer, error)
	GetBySourceRef(ctx context.Context, sourceRef string) ([]*model.Transfer, error)
	QueryByStatus(ctx context.Context, status model.Status, maxAge time.Duration, limit int) ([]*model.Transfer, error)
}

type Validator interface {
	Validate(ctx context.Context, t *model.Transfer) validation.Result
}

type Signer interface {
	CollectSignatures(ctx context.Context, payload signature.Payload) (*model.SignatureSet, error)
	IsStale(set *model.SignatureSet) bool
}

// Submitter prepares the chain-B transaction for a transfer and later
// broadcasts and confirms it. Prepare never sends, so its handle can be
// recorded before the transaction exists anywhere but here.
type Submitter interface {
	IsProcessed(ctx context.Context, t *model.Transfer) (bool, error)
	Prepare(ctx context.Context, t *model.Transfer) (*chainb.SignedTx, error)
	Confirm(ctx context.Context, t *model.Transfer) (*chainb.Receipt, error)
	Discard(t *model.Transfer)
}

// Enqueuer hands a transfer id to the worker pool.
type Enqueuer interface {
	Enqueue(id string)
}

type Config struct {
	MaxAttempts         int
	ConfirmationCeiling time.Duration
}

type Engine struct {
	store     Store
	validator Validator
	signer    Signer
	submitter Submitter
	queue     Enqueuer
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	locks     *keyedMutex
	now       func() time.Time
}

// New creates an Engine. MaxAttempts defaults to 5 and ConfirmationCeiling
// to two hours. SetQueue must be called before transfers can be driven in the
// background.
func New(store Store, validator Validator, signer Signer, submitter Submitter, config Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.ConfirmationCeiling <= 0 {
		config.ConfirmationCeiling = 2 * time.Hour
	}
	return &Engine{
		store:     store,
		validator: validator,
		signer:    signer,
		submitter: submitter,
		config:    config,
		metrics:   m,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// SetQueue connects the worker pool. The queue is built after the engine
// because its workers call back into Drive.
func (e *Engine) SetQueue(q Enqueuer) {
	e.queue = q
}

// Submit registers a transfer request. A request whose dedup reference is
// already known returns the existing id with status already_processed and
// nothing is created. Submit never calls a chain.
func (e *Engine) Submit(ctx context.Context, req model.SubmissionRequest) (*model.Transfer, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	now := e.now()
	t := &model.Transfer{
		ID:         uuid.NewString(),
		Direction:  req.Direction,
		Amount:     req.Amount,
		SourceRef:  req.SourceRef,
		DestRef:    req.DestRef,
		RequestRef: req.RequestRef,
		Status:     model.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := e.store.Create(ctx, t)
	if errors.Is(err, repository.ErrDuplicate) {
		return e.duplicate(ctx, t)
	}
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindStore, "create transfer", err)
	}

	e.metrics.Submissions.WithLabelValues(string(t.Direction), "created").Inc()
	e.logger.Info("Transfer submitted",
		zap.String("transfer_id", t.ID),
		zap.String("direction", string(t.Direction)),
		zap.String("source_ref", t.SourceRef),
		zap.Uint64("amount", t.Amount))

	e.enqueue(t.ID)
	return t, nil
}

func (e *Engine) duplicate(ctx context.Context, t *model.Transfer) (*model.Transfer, error) {
	existing, err := e.store.GetByDedupKey(ctx, t.DedupKey())
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindStore, "load duplicate", err)
	}
	if existing == nil {
		return nil, bridgeerr.New(bridgeerr.KindStore, "duplicate reported without a record for "+t.DedupKey(), nil)
	}

	e.metrics.Submissions.WithLabelValues(string(t.Direction), "duplicate").Inc()
	e.logger.Info("Duplicate transfer request",
		zap.String("transfer_id", existing.ID),
		zap.String("source_ref", existing.SourceRef),
		zap.String("status", string(existing.Status)))

	response := existing.Clone()
	response.Status = model.StatusAlreadyProcessed
	return response, nil
}

func checkRequest(req model.SubmissionRequest) error {
	switch {
	case req.Direction != model.DirectionDeposit && req.Direction != model.DirectionWithdrawal:
		return bridgeerr.New(bridgeerr.KindValidation, fmt.Sprintf("unknown direction %q", req.Direction), nil)
	case req.Amount == 0:
		return bridgeerr.New(bridgeerr.KindValidation, "amount must be positive", nil)
	case strings.TrimSpace(req.SourceRef) == "":
		return bridgeerr.New(bridgeerr.KindValidation, "source_ref is required", nil)
	case strings.TrimSpace(req.DestRef) == "":
		return bridgeerr.New(bridgeerr.KindValidation, "dest_ref is required", nil)
	}
	return nil
}

// GetStatus returns the stored record for id, or repository.ErrNotFound.
func (e *Engine) GetStatus(ctx context.Context, id string) (*model.Transfer, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindStore, "load transfer "+id, err)
	}
	if t == nil {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

// GetBySourceRef lists every transfer sharing a source reference, newest first.
func (e *Engine) GetBySourceRef(ctx context.Context, sourceRef string) ([]*model.Transfer, error) {
	transfers, err := e.store.GetBySourceRef(ctx, sourceRef)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindStore, "load transfers by source", err)
	}
	return transfers, nil
}

// Resume re-enqueues every non-terminal transfer. Called once on startup.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	count := 0
	for _, status := range model.NonTerminalStatuses {
		transfers, err := e.store.QueryByStatus(ctx, status, 0, 0)
		if err != nil {
			return count, bridgeerr.New(bridgeerr.KindStore, "resume "+string(status), err)
		}
		for _, t := range transfers {
			e.enqueue(t.ID)
			count++
		}
	}
	e.logger.Info("Resumed in-flight transfers", zap.Int("count", count))
	return count, nil
}

// Drive advances id until it parks: a terminal status, pending_retry, or a
// step that leaves the status unchanged.
func (e *Engine) Drive(ctx context.Context, id string) (*model.Transfer, error) {
	var last *model.Transfer
	for i := 0; i < maxStepsPerDrive; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		from, next, err := e.advance(ctx, id)
		if err != nil {
			return next, err
		}
		last = next
		if next.Status.IsTerminal() || next.Status == model.StatusPendingRetry || next.Status == from {
			return next, nil
		}
	}
	return last, nil
}

// Advance performs exactly one transition for id and persists it before
// returning. Component failures become pending_retry or failed; the only
// errors returned are store failures, an unknown id, or cancellation.
func (e *Engine) Advance(ctx context.Context, id string) (*model.Transfer, error) {
	_, next, err := e.advance(ctx, id)
	return next, err
}

func (e *Engine) advance(ctx context.Context, id string) (model.Status, *model.Transfer, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return "", nil, bridgeerr.New(bridgeerr.KindStore, "load transfer "+id, err)
	}
	if current == nil {
		return "", nil, repository.ErrNotFound
	}
	if current.Status.IsTerminal() {
		return current.Status, current, nil
	}

	next := e.step(ctx, current.Clone())
	// A step cut short by shutdown is not a component failure; leave the
	// record for Resume.
	if ctx.Err() != nil && next.Status != current.Status && (next.Status == model.StatusPendingRetry || next.Status == model.StatusFailed) {
		return current.Status, current, ctx.Err()
	}
	if !model.CanTransition(current.Status, next.Status) {
		return current.Status, current, fmt.Errorf("illegal transition %s -> %s for %s", current.Status, next.Status, id)
	}

	if err := e.persist(ctx, current.Status, next); err != nil {
		if current.ChainTxHandle == "" && next.ChainTxHandle != "" {
			// Never recorded, so never broadcast.
			e.submitter.Discard(next)
		}
		return current.Status, current, err
	}
	return current.Status, next, nil
}

func (e *Engine) persist(ctx context.Context, from model.Status, t *model.Transfer) error {
	now := e.now()
	t.UpdatedAt = now
	switch t.Status {
	case model.StatusCompleted, model.StatusAlreadyProcessed:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case model.StatusFailed:
		if t.FailedAt == nil {
			t.FailedAt = &now
		}
	}

	// A prepared handle must be recorded even if the caller gave up.
	if err := e.store.Put(context.WithoutCancel(ctx), t); err != nil {
		e.logger.Error("Failed to persist transfer",
			zap.String("transfer_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.String("tx_handle", t.ChainTxHandle),
			zap.Error(err))
		return bridgeerr.New(bridgeerr.KindStore, "persist transfer "+t.ID, err)
	}

	e.metrics.Transitions.WithLabelValues(string(from), string(t.Status)).Inc()
	fields := []zap.Field{
		zap.String("transfer_id", t.ID),
		zap.String("from", string(from)),
		zap.String("status", string(t.Status)),
		zap.Int("attempts", t.Attempts),
	}
	if t.ErrorReason != nil && (t.Status == model.StatusPendingRetry || t.Status == model.StatusFailed || t.Status == from) {
		fields = append(fields, zap.String("error_reason", *t.ErrorReason))
	}
	e.logger.Info("Transfer advanced", fields...)
	return nil
}

func (e *Engine) step(ctx context.Context, t *model.Transfer) *model.Transfer {
	switch t.Status {
	case model.StatusPending:
		e.stepPending(ctx, t)
	case model.StatusValidating:
		e.stepValidating(ctx, t)
	case model.StatusSigning:
		e.stepSigning(ctx, t)
	case model.StatusSubmitting:
		e.stepSubmitting(ctx, t)
	case model.StatusPendingConfirmation:
		e.stepPendingConfirmation(ctx, t)
	case model.StatusPendingRetry:
		e.stepPendingRetry(t)
	}
	return t
}

func (e *Engine) stepPending(ctx context.Context, t *model.Transfer) {
	processed, err := e.submitter.IsProcessed(ctx, t)
	if err != nil {
		e.fail(t, err)
		return
	}
	if processed {
		t.Status = model.StatusAlreadyProcessed
		return
	}
	t.Status = model.StatusValidating
}

func (e *Engine) stepValidating(ctx context.Context, t *model.Transfer) {
	result := e.validator.Validate(ctx, t)
	if !result.OK {
		e.fail(t, result.AsError())
		return
	}
	t.Status = model.StatusSigning
}

func (e *Engine) stepSigning(ctx context.Context, t *model.Transfer) {
	set, err := e.signer.CollectSignatures(ctx, signature.NewPayload(t))
	if err != nil {
		e.fail(t, err)
		return
	}
	t.SignatureSet = set
	t.Status = model.StatusSubmitting
}

// stepSubmitting prepares at most one transaction per transfer and records
// it without sending. The broadcast happens in pending_confirmation, so every
// send has a handle on disk before it leaves the process and a send of
// unknown outcome is only ever waited on, never judged.
func (e *Engine) stepSubmitting(ctx context.Context, t *model.Transfer) {
	if t.ChainTxHandle != "" {
		t.Status = model.StatusPendingConfirmation
		return
	}

	if e.signer.IsStale(t.SignatureSet) {
		t.SignatureSet = nil
		e.fail(t, bridgeerr.New(bridgeerr.KindNoQuorum, "signature set expired before submission", nil))
		return
	}
	if t.SignatureSet.Provisional {
		t.SignatureSet = nil
		e.fail(t, bridgeerr.New(bridgeerr.KindPendingFallback, "operators unreachable, provisional signatures held", nil))
		return
	}

	// Nothing has been sent yet, so any failure here is safe to judge.
	prepared, err := e.submitter.Prepare(ctx, t)
	if err != nil {
		e.fail(t, err)
		return
	}

	now := e.now()
	t.ChainTxHandle = prepared.Handle
	t.SignedTx = prepared.Raw
	t.SubmittedAt = &now
	t.ErrorReason = nil
	t.Status = model.StatusPendingConfirmation
}

// stepPendingConfirmation broadcasts the recorded transaction and waits for
// it. Only a reverted receipt or the confirmation ceiling ends the record,
// and neither does so while the contract already shows the transfer settled.
func (e *Engine) stepPendingConfirmation(ctx context.Context, t *model.Transfer) {
	_, err := e.submitter.Confirm(ctx, t)
	if err == nil {
		t.Status = model.StatusCompleted
		t.ErrorReason = nil
		return
	}

	if errors.Is(err, bridgeerr.ChainReverted) {
		if e.settledElsewhere(ctx, t) {
			return
		}
		t.Status = model.StatusFailed
		t.ErrorReason = reason(err)
		return
	}

	if t.SubmittedAt != nil && e.now().Sub(*t.SubmittedAt) > e.config.ConfirmationCeiling {
		if e.settledElsewhere(ctx, t) {
			return
		}
		t.Status = model.StatusFailed
		t.ErrorReason = reason(bridgeerr.New(bridgeerr.KindChainTimeout,
			fmt.Sprintf("not confirmed within %s of submission", e.config.ConfirmationCeiling), err))
		return
	}
	// Held; the same transaction is rebroadcast on the next pass, never a new one.
	t.ErrorReason = reason(err)
}

// settledElsewhere completes t when the contract reports it processed even
// though its own transaction did not confirm. A lookup failure holds t.
func (e *Engine) settledElsewhere(ctx context.Context, t *model.Transfer) bool {
	processed, err := e.submitter.IsProcessed(ctx, t)
	if err != nil {
		t.ErrorReason = reason(err)
		return true
	}
	if !processed {
		return false
	}
	e.logger.Warn("Transfer settled on chain-B without its own transaction",
		zap.String("transfer_id", t.ID),
		zap.String("tx_handle", t.ChainTxHandle))
	t.Status = model.StatusCompleted
	t.ErrorReason = nil
	return true
}

func (e *Engine) stepPendingRetry(t *model.Transfer) {
	if !budgetExempt(reasonKind(t.ErrorReason)) {
		t.Attempts++
	}
	t.Status = model.StatusValidating
}

// fail applies the retry policy: retryable errors go to pending_retry until
// the attempt budget is spent, everything else is terminal.
func (e *Engine) fail(t *model.Transfer, err error) {
	t.ErrorReason = reason(err)
	kind := bridgeerr.KindOf(err)
	if bridgeerr.IsRetryable(err) && (budgetExempt(kind) || t.Attempts < e.config.MaxAttempts) {
		t.Status = model.StatusPendingRetry
		return
	}
	t.Status = model.StatusFailed
}

func (e *Engine) enqueue(id string) {
	if e.queue != nil {
		e.queue.Enqueue(id)
	}
}

// budgetExempt kinds wait on the outside world rather than on a fault and
// are bounded by the retry scheduler's age window instead of MaxAttempts.
func budgetExempt(kind bridgeerr.Kind) bool {
	return kind == bridgeerr.KindInsufficientConfirmation || kind == bridgeerr.KindPendingFallback
}

// reason renders err with its kind as prefix, which reasonKind reads back.
func reason(err error) *string {
	msg := err.Error()
	kind := bridgeerr.KindOf(err)
	if kind == "" {
		kind = "internal_error"
	}
	if !strings.HasPrefix(msg, string(kind)+":") {
		msg = string(kind) + ": " + msg
	}
	return &msg
}

func reasonKind(r *string) bridgeerr.Kind {
	if r == nil {
		return ""
	}
	kind, _, _ := strings.Cut(*r, ":")
	return bridgeerr.Kind(kind)
}

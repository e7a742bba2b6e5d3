// Package validation gates a transfer before any signature is requested.
// Checks run in a fixed order and stop at the first failure.
package validation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/chaina"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/model"
)

// Failure reasons.
const (
	ReasonSourceNotFound            = "source_not_found"
	ReasonInvalidSource             = "invalid_source"
	ReasonAmountMismatch            = "amount_mismatch"
	ReasonDestinationMismatch       = "destination_mismatch"
	ReasonInvalidAddress            = "invalid_address"
	ReasonInsufficientConfirmations = "insufficient_confirmations"
	ReasonChainLookupError          = "chain_lookup_error"
)

type Result struct {
	OK        bool
	Reason    string
	Retryable bool
	Err       error
}

// AsError converts a failed result into the matching bridgeerr kind.
func (r Result) AsError() error {
	if r.OK {
		return nil
	}
	var kind bridgeerr.Kind
	switch r.Reason {
	case ReasonInsufficientConfirmations:
		kind = bridgeerr.KindInsufficientConfirmation
	case ReasonChainLookupError:
		kind = bridgeerr.KindChainLookup
	default:
		kind = bridgeerr.KindValidation
	}
	e := bridgeerr.New(kind, r.Reason, r.Err)
	e.Retryable = r.Retryable
	return e
}

func pass() Result {
	return Result{OK: true}
}

func reject(reason string, err error) Result {
	return Result{Reason: reason, Err: err}
}

func retry(reason string, err error) Result {
	return Result{Reason: reason, Retryable: true, Err: err}
}

type Config struct {
	MinConfirmations    int64
	AmountToleranceSats uint64
}

type Pipeline struct {
	registry *fallback.Registry
	config   Config
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline whose chain reads go through registry; the
// operations must be registered with RegisterOperations first.
func NewPipeline(registry *fallback.Registry, config Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{registry: registry, config: config, logger: logger}
}

// Validate has no side effects besides chain reads. Lookup failures are
// retryable; everything else it rejects is terminal except a deposit that
// is still short of its confirmation depth.
func (p *Pipeline) Validate(ctx context.Context, t *model.Transfer) Result {
	var result Result
	switch t.Direction {
	case model.DirectionDeposit:
		result = p.validateDeposit(ctx, t)
	case model.DirectionWithdrawal:
		result = p.validateWithdrawal(ctx, t)
	default:
		result = reject(ReasonInvalidSource, fmt.Errorf("unknown direction %q", t.Direction))
	}

	if !result.OK {
		p.logger.Info("Validation failed",
			zap.String("transfer_id", t.ID),
			zap.String("reason", result.Reason),
			zap.Bool("retryable", result.Retryable),
			zap.Error(result.Err))
	}
	return result
}

func (p *Pipeline) validateDeposit(ctx context.Context, t *model.Transfer) Result {
	out, err := p.registry.Execute(ctx, OpChainAGetTransaction, t.SourceRef, fallback.ExecOptions{})
	if err != nil {
		return lookupFailure(err)
	}
	tx := out.(*chaina.Transaction)
	if !tx.Valid {
		return reject(ReasonSourceNotFound, fmt.Errorf("chain-A tx %s not found or does not pay custody", t.SourceRef))
	}

	if r := p.checkAmount(t.Amount, tx.Amount); !r.OK {
		return r
	}

	if r := p.checkAddress(ctx, assets.ChainB, t.DestRef); !r.OK {
		return r
	}
	if tx.Recipient != "" && !strings.EqualFold(tx.Recipient, t.DestRef) {
		return reject(ReasonDestinationMismatch, fmt.Errorf("chain-A tx commits to %s", tx.Recipient))
	}

	if tx.Confirmations < p.config.MinConfirmations {
		return retry(ReasonInsufficientConfirmations,
			fmt.Errorf("%d of %d confirmations", tx.Confirmations, p.config.MinConfirmations))
	}
	return pass()
}

func (p *Pipeline) validateWithdrawal(ctx context.Context, t *model.Transfer) Result {
	if validateChainBAddress(t.SourceRef) != nil {
		return reject(ReasonInvalidSource, fmt.Errorf("chain-B sender %q is not an account", t.SourceRef))
	}

	out, err := p.registry.Execute(ctx, OpChainBPendingWithdrawal,
		WithdrawalQuery{Sender: t.SourceRef, RequestRef: t.RequestRef}, fallback.ExecOptions{})
	if err != nil {
		return lookupFailure(err)
	}
	observed := out.(*WithdrawalObservation)
	if !observed.Found {
		return reject(ReasonSourceNotFound, fmt.Errorf("no pending withdrawal for %s", t.SourceRef))
	}
	if !strings.EqualFold(observed.Sender, t.SourceRef) {
		return reject(ReasonInvalidSource, fmt.Errorf("withdrawal belongs to %s", observed.Sender))
	}

	if r := p.checkAmount(t.Amount, observed.Amount); !r.OK {
		return r
	}

	if r := p.checkAddress(ctx, assets.ChainA, t.DestRef); !r.OK {
		return r
	}
	if observed.Recipient != "" && observed.Recipient != t.DestRef {
		return reject(ReasonDestinationMismatch, fmt.Errorf("withdrawal commits to %s", observed.Recipient))
	}
	return pass()
}

func (p *Pipeline) checkAmount(reported, observed uint64) Result {
	diff := reported - observed
	if observed > reported {
		diff = observed - reported
	}
	if diff > p.config.AmountToleranceSats {
		return reject(ReasonAmountMismatch, fmt.Errorf("reported %d sats, chain shows %d", reported, observed))
	}
	return pass()
}

func (p *Pipeline) checkAddress(ctx context.Context, chain, address string) Result {
	_, err := p.registry.Execute(ctx, OpAddressValidation, AddressCheck{Chain: chain, Address: address}, fallback.ExecOptions{})
	if err != nil {
		return reject(ReasonInvalidAddress, err)
	}
	return pass()
}

// lookupFailure keeps RPC trouble retryable while letting a classified
// validation error (a malformed reference) terminate.
func lookupFailure(err error) Result {
	if bridgeerr.KindOf(err) == bridgeerr.KindValidation {
		return reject(ReasonInvalidSource, err)
	}
	return retry(ReasonChainLookupError, err)
}

// Package submitter turns a signed transfer into a bridge contract call on
// chain-B and reads the contract state the engine depends on.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/chainb"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/model"
)

const (
	OpSubmit             = "chainB.submit"
	OpBroadcast          = "chainB.broadcast"
	OpWaitForInclusion   = "chainB.waitForInclusion"
	OpIsProcessed        = "chainB.isProcessed"
	OpGetActiveOperators = "chainB.getActiveOperators"
)

// Chain is the part of the chain-B client the submitter drives.
type Chain interface {
	Prepare(ctx context.Context, entrypoint string, args ...interface{}) (*chainb.SignedTx, error)
	Broadcast(ctx context.Context, raw string) (string, error)
	Discard(raw string)
	WaitForInclusion(ctx context.Context, handle string, timeout time.Duration) (*chainb.Receipt, error)
	IsProcessed(ctx context.Context, transferKey [32]byte) (bool, error)
	GetActiveOperators(ctx context.Context) ([]string, error)
}

type Config struct {
	InclusionTimeout time.Duration
}

type submission struct {
	entrypoint string
	args       []interface{}
}

type inclusion struct {
	handle  string
	timeout time.Duration
}

type Submitter struct {
	chain    Chain
	registry *fallback.Registry
	assets   *assets.AssetRegistry
	config   Config
	logger   *zap.Logger
}

// New creates a Submitter and registers its chain-B operations with the
// fallback registry.
func New(chain Chain, registry *fallback.Registry, assetRegistry *assets.AssetRegistry, config Config, logger *zap.Logger) *Submitter {
	if config.InclusionTimeout <= 0 {
		config.InclusionTimeout = time.Minute
	}
	s := &Submitter{
		chain:    chain,
		registry: registry,
		assets:   assetRegistry,
		config:   config,
		logger:   logger,
	}
	s.register()
	return s
}

func (s *Submitter) register() {
	s.registry.Register(OpSubmit, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			sub := params.(submission)
			return s.chain.Prepare(ctx, sub.entrypoint, sub.args...)
		},
		// Reached only in fallback mode. Nothing is signed and the transfer
		// waits for the primary path to come back.
		Fallback: func(_ context.Context, params interface{}) (interface{}, error) {
			sub := params.(submission)
			return nil, bridgeerr.New(bridgeerr.KindPendingFallback, sub.entrypoint+" deferred", nil)
		},
		// A failed prepare is retried under the attempt budget instead.
		ShouldFallback: func(error) bool { return false },
	})

	// Rebroadcasts of an already recorded transaction go out even in
	// fallback mode; deferring them would only delay a settled outcome.
	s.registry.Register(OpBroadcast, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			return s.chain.Broadcast(ctx, params.(string))
		},
	})

	s.registry.Register(OpWaitForInclusion, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			in := params.(inclusion)
			return s.chain.WaitForInclusion(ctx, in.handle, in.timeout)
		},
	})

	s.registry.Register(OpIsProcessed, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			return s.chain.IsProcessed(ctx, params.([32]byte))
		},
	})

	s.registry.Register(OpGetActiveOperators, fallback.Registration{
		Primary: func(ctx context.Context, _ interface{}) (interface{}, error) {
			return s.chain.GetActiveOperators(ctx)
		},
	})
}

// IsProcessed asks the bridge contract whether t was already settled.
func (s *Submitter) IsProcessed(ctx context.Context, t *model.Transfer) (bool, error) {
	out, err := s.registry.Execute(ctx, OpIsProcessed, t.Key(), fallback.ExecOptions{})
	if err != nil {
		return false, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "isProcessed")
	}
	return out.(bool), nil
}

// GetActiveOperators returns the operator addresses the bridge contract
// currently accepts signatures from.
func (s *Submitter) GetActiveOperators(ctx context.Context) ([]string, error) {
	out, err := s.registry.Execute(ctx, OpGetActiveOperators, nil, fallback.ExecOptions{})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "getActiveOperators")
	}
	return out.([]string), nil
}

// Prepare signs the contract call for t without sending it. The returned
// handle is final, so the caller records it before anything reaches the
// chain. A provisional signature set is never signed.
func (s *Submitter) Prepare(ctx context.Context, t *model.Transfer) (*chainb.SignedTx, error) {
	if t.SignatureSet.Empty() {
		return nil, bridgeerr.New(bridgeerr.KindNoQuorum, "no signatures to submit", nil)
	}
	if t.SignatureSet.Provisional {
		return nil, bridgeerr.New(bridgeerr.KindPendingFallback, "provisional signature set", nil)
	}

	sub, err := s.buildSubmission(t)
	if err != nil {
		return nil, err
	}

	out, err := s.registry.Execute(ctx, OpSubmit, sub, fallback.ExecOptions{})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainSubmit, sub.entrypoint)
	}
	prepared := out.(*chainb.SignedTx)

	s.logger.Info("Prepared transfer for chain-B",
		zap.String("transfer_id", t.ID),
		zap.String("entrypoint", sub.entrypoint),
		zap.String("tx_handle", prepared.Handle),
		zap.Uint64("nonce", prepared.Nonce))
	return prepared, nil
}

// Discard gives back the nonce of a prepared transaction that could not be
// recorded on t.
func (s *Submitter) Discard(t *model.Transfer) {
	if t.SignedTx == "" {
		return
	}
	s.logger.Warn("Discarding unrecorded chain-B transaction",
		zap.String("transfer_id", t.ID),
		zap.String("tx_handle", t.ChainTxHandle))
	s.chain.Discard(t.SignedTx)
}

// Confirm (re)broadcasts the recorded transaction of t and waits for it.
// The bytes, and so the handle, are the ones recorded before the first
// send; a broadcast failure is logged and the wait decides the outcome.
func (s *Submitter) Confirm(ctx context.Context, t *model.Transfer) (*chainb.Receipt, error) {
	if t.ChainTxHandle == "" {
		return nil, bridgeerr.New(bridgeerr.KindChainLookup, "no chain-B transaction recorded for "+t.ID, nil)
	}
	if t.SignedTx != "" {
		if _, err := s.registry.Execute(ctx, OpBroadcast, t.SignedTx, fallback.ExecOptions{}); err != nil {
			s.logger.Warn("Broadcast of chain-B transaction failed",
				zap.String("transfer_id", t.ID),
				zap.String("tx_handle", t.ChainTxHandle),
				zap.Error(err))
		}
	}
	return s.WaitForConfirmation(ctx, t.ChainTxHandle)
}

// WaitForConfirmation blocks until handle is included, the inclusion timeout
// passes (chain_timeout) or the transaction reverted (chain_reverted).
func (s *Submitter) WaitForConfirmation(ctx context.Context, handle string) (*chainb.Receipt, error) {
	out, err := s.registry.Execute(ctx, OpWaitForInclusion,
		inclusion{handle: handle, timeout: s.config.InclusionTimeout}, fallback.ExecOptions{})
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainTimeout, "inclusion of "+handle)
	}
	receipt := out.(*chainb.Receipt)
	if receipt.Reverted {
		return receipt, bridgeerr.New(bridgeerr.KindChainReverted, fmt.Sprintf("%s reverted in block %d", handle, receipt.BlockNumber), nil)
	}
	return receipt, nil
}

func (s *Submitter) buildSubmission(t *model.Transfer) (submission, error) {
	units := s.assets.ToTokenUnits(t.Amount)
	signatures := t.SignatureSet.Bytes()
	key := t.Key()

	switch t.Direction {
	case model.DirectionDeposit:
		if !common.IsHexAddress(t.DestRef) {
			return submission{}, bridgeerr.New(bridgeerr.KindValidation, "deposit recipient "+t.DestRef, nil)
		}
		return submission{
			entrypoint: chainb.MethodSubmitDeposit,
			args:       []interface{}{key, common.HexToAddress(t.DestRef), units, signatures},
		}, nil
	case model.DirectionWithdrawal:
		if !common.IsHexAddress(t.SourceRef) {
			return submission{}, bridgeerr.New(bridgeerr.KindValidation, "withdrawal sender "+t.SourceRef, nil)
		}
		return submission{
			entrypoint: chainb.MethodSubmitWithdrawal,
			args:       []interface{}{key, common.HexToAddress(t.SourceRef), t.DestRef, units, signatures},
		}, nil
	}
	return submission{}, bridgeerr.New(bridgeerr.KindValidation, fmt.Sprintf("unknown direction %q", t.Direction), nil)
}

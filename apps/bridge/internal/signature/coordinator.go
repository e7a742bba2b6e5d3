// Package signature gathers a quorum of operator signatures over a
// transfer's canonical payload.
package signature

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/model"
)

const OpOperatorSignature = "operatorSignature"

var errNoOperatorReachable = errors.New("no operator reachable")

// OperatorSet reads the active operator ids from chain-B.
type OperatorSet interface {
	GetActiveOperators(ctx context.Context) ([]string, error)
}

// Signer asks one operator to sign a payload.
type Signer interface {
	Sign(ctx context.Context, operatorID string, payload Payload) (*model.Signature, error)
}

type Config struct {
	QuorumMin                int
	Timeout                  time.Duration
	MaxAge                   time.Duration
	MaxConcurrency           int
	AllowEmergencySignatures bool
}

type Coordinator struct {
	operators OperatorSet
	signer    Signer
	registry  *fallback.Registry
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a Coordinator and registers the operator signature
// operation with the fallback registry.
func NewCoordinator(operators OperatorSet, signer Signer, registry *fallback.Registry, config Config, logger *zap.Logger) *Coordinator {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 16
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	c := &Coordinator{
		operators: operators,
		signer:    signer,
		registry:  registry,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}

	registry.Register(OpOperatorSignature, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			return c.collect(ctx, params.(Payload))
		},
		Fallback: func(ctx context.Context, params interface{}) (interface{}, error) {
			return c.emergency(params.(Payload))
		},
		ShouldFallback: func(err error) bool {
			return errors.Is(err, errNoOperatorReachable)
		},
	})
	return c
}

// CollectSignatures returns the first QuorumMin distinct signatures in
// operator id order, or a no_quorum error. Operators are always asked first,
// even in fallback mode.
func (c *Coordinator) CollectSignatures(ctx context.Context, payload Payload) (*model.SignatureSet, error) {
	out, err := c.registry.Execute(ctx, OpOperatorSignature, payload, fallback.ExecOptions{ForcePrimary: true})
	if err != nil {
		return nil, err
	}
	return out.(*model.SignatureSet), nil
}

// IsStale reports whether a stored set is too old to submit.
func (c *Coordinator) IsStale(set *model.SignatureSet) bool {
	if set.Empty() {
		return true
	}
	if c.config.MaxAge <= 0 {
		return false
	}
	return c.now().Sub(set.CollectedAt) > c.config.MaxAge
}

func (c *Coordinator) collect(ctx context.Context, payload Payload) (*model.SignatureSet, error) {
	active, err := c.operators.GetActiveOperators(ctx)
	if err != nil {
		return nil, bridgeerr.FromChainCall(err, bridgeerr.KindChainLookup, "active operators")
	}
	if len(active) < c.config.QuorumMin {
		return nil, bridgeerr.New(bridgeerr.KindNoQuorum,
			fmt.Sprintf("%d active operators, quorum is %d", len(active), c.config.QuorumMin), nil)
	}

	signCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		collected []model.Signature
		reached   int
	)
	g := new(errgroup.Group)
	g.SetLimit(c.config.MaxConcurrency)
	for _, id := range active {
		operatorID := id
		g.Go(func() error {
			sig, err := c.signer.Sign(signCtx, operatorID, payload)
			if err != nil {
				c.logger.Warn("Operator did not sign",
					zap.String("operator_id", operatorID),
					zap.String("payload_hash", payload.Hash().Hex()),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			reached++
			sig.OperatorID = operatorID
			collected = append(collected, *sig)
			return nil
		})
	}
	_ = g.Wait()

	if reached == 0 {
		return nil, bridgeerr.New(bridgeerr.KindNoQuorum, "signature collection", errNoOperatorReachable)
	}

	signatures := c.selectQuorum(payload, collected)
	if len(signatures) < c.config.QuorumMin {
		return nil, bridgeerr.New(bridgeerr.KindNoQuorum,
			fmt.Sprintf("%d usable signatures, quorum is %d", len(signatures), c.config.QuorumMin), nil)
	}

	c.logger.Info("Collected signature quorum",
		zap.String("payload_hash", payload.Hash().Hex()),
		zap.Int("signatures", len(signatures)),
		zap.Int("active_operators", len(active)))

	return &model.SignatureSet{
		Signatures:  signatures,
		PayloadHash: payload.Hash().Hex(),
		CollectedAt: c.now(),
	}, nil
}

// selectQuorum drops stale, duplicate and unverifiable signatures and keeps
// the lowest QuorumMin operator ids. A signature counts only if it recovers
// to the address of the operator it was requested from.
func (c *Coordinator) selectQuorum(payload Payload, collected []model.Signature) []model.Signature {
	now := c.now()
	seen := make(map[string]bool, len(collected))
	usable := make([]model.Signature, 0, len(collected))
	for _, sig := range collected {
		if len(sig.Signature) == 0 || seen[sig.OperatorID] {
			continue
		}
		if c.config.MaxAge > 0 && now.Sub(sig.SignedAt) > c.config.MaxAge {
			continue
		}
		if err := verify(payload, sig); err != nil {
			c.logger.Warn("Discarding operator signature",
				zap.String("operator_id", sig.OperatorID),
				zap.String("payload_hash", payload.Hash().Hex()),
				zap.Error(err))
			continue
		}
		seen[sig.OperatorID] = true
		usable = append(usable, sig)
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i].OperatorID < usable[j].OperatorID
	})
	if len(usable) > c.config.QuorumMin {
		usable = usable[:c.config.QuorumMin]
	}
	return usable
}

func verify(payload Payload, sig model.Signature) error {
	if !common.IsHexAddress(sig.OperatorID) {
		return fmt.Errorf("operator id %q is not an address", sig.OperatorID)
	}
	signer, err := Recover(payload, sig.Signature)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(sig.OperatorID) {
		return fmt.Errorf("signature recovers to %s", signer.Hex())
	}
	return nil
}

// emergency yields a placeholder set the engine will not submit; it only
// records that the operators were unreachable while the flag was on.
func (c *Coordinator) emergency(payload Payload) (*model.SignatureSet, error) {
	if !c.config.AllowEmergencySignatures {
		return nil, bridgeerr.New(bridgeerr.KindNoQuorum, "signature collection", errNoOperatorReachable)
	}

	now := c.now()
	placeholders := make([]model.Signature, 0, c.config.QuorumMin)
	for i := 0; i < c.config.QuorumMin; i++ {
		placeholders = append(placeholders, model.Signature{
			OperatorID:  fmt.Sprintf("emergency-%02d", i),
			SignedAt:    now,
			Placeholder: true,
		})
	}

	c.logger.Warn("Issuing provisional signature set", zap.String("payload_hash", payload.Hash().Hex()))
	return &model.SignatureSet{
		Signatures:  placeholders,
		PayloadHash: payload.Hash().Hex(),
		CollectedAt: now,
		Provisional: true,
	}, nil
}

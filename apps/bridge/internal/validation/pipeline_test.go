package validation

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/chaina"
	"bridge/apps/bridge/internal/chainb"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/model"
)

const (
	depositTxID     = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	chainBRecipient = "0x8236a87084f8b84306f72007f36f2618a5634494"
	chainBSender    = "0x00000000219ab540356cbb839cbe05303d7705fa"
	chainARecipient = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
)

type fakeChainA struct {
	tx  *chaina.Transaction
	err error
}

func (f *fakeChainA) GetTransaction(_ context.Context, txid string) (*chaina.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	tx := *f.tx
	tx.TxID = txid
	return &tx, nil
}

type fakeChainB struct {
	pendingAmount    *big.Int
	pendingRecipient string
	requests         map[string]*chainb.WithdrawalRequest
	err              error
}

func (f *fakeChainB) WithdrawalRequest(_ context.Context, ref string) (*chainb.WithdrawalRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.requests[ref], nil
}

func (f *fakeChainB) PendingWithdrawal(_ context.Context, _ common.Address) (*big.Int, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.pendingAmount, f.pendingRecipient, nil
}

// satsToUnits mirrors an 18-decimal wrapped token.
func satsToUnits(sats int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(sats), big.NewInt(10_000_000_000))
}

type fixture struct {
	chainA   *fakeChainA
	chainB   *fakeChainB
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	registry, err := assets.NewAssetRegistry(common.HexToAddress("0x1"), 18)
	require.NoError(t, err)

	f := &fixture{
		chainA: &fakeChainA{tx: &chaina.Transaction{
			Amount:        100_000,
			Confirmations: 6,
			Valid:         true,
			Recipient:     common.HexToAddress(chainBRecipient).Hex(),
		}},
		chainB: &fakeChainB{
			pendingAmount:    satsToUnits(50_000),
			pendingRecipient: chainARecipient,
			requests:         map[string]*chainb.WithdrawalRequest{},
		},
	}

	ops := fallback.NewRegistry(fallback.DefaultConfig(), zap.NewNop())
	deps := Dependencies{
		ChainA:    f.chainA,
		ChainB:    f.chainB,
		Addresses: chaina.NewAddressValidator(&chaincfg.MainNetParams),
		Assets:    registry,
	}
	RegisterOperations(ops, deps)

	f.pipeline = NewPipeline(ops, Config{MinConfirmations: 6, AmountToleranceSats: 1}, zap.NewNop())
	return f
}

func deposit(amount uint64, dest string) *model.Transfer {
	return &model.Transfer{
		ID:        "t-1",
		Direction: model.DirectionDeposit,
		Amount:    amount,
		SourceRef: depositTxID,
		DestRef:   dest,
		Status:    model.StatusValidating,
	}
}

func withdrawal(amount uint64, sender, dest, requestRef string) *model.Transfer {
	return &model.Transfer{
		ID:         "t-2",
		Direction:  model.DirectionWithdrawal,
		Amount:     amount,
		SourceRef:  sender,
		DestRef:    dest,
		RequestRef: requestRef,
		Status:     model.StatusValidating,
	}
}

func TestValidateDeposit(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		transfer  *model.Transfer
		reason    string
		retryable bool
	}{
		{
			name:     "valid deposit",
			transfer: deposit(100_000, chainBRecipient),
		},
		{
			name:     "amount within tolerance",
			transfer: deposit(100_001, chainBRecipient),
		},
		{
			name:     "source not found",
			setup:    func(f *fixture) { f.chainA.tx.Valid = false },
			transfer: deposit(100_000, chainBRecipient),
			reason:   ReasonSourceNotFound,
		},
		{
			name:     "amount mismatch",
			transfer: deposit(100_005, chainBRecipient),
			reason:   ReasonAmountMismatch,
		},
		{
			name:     "amount checked before address",
			transfer: deposit(90_000, "not-an-address"),
			reason:   ReasonAmountMismatch,
		},
		{
			name:     "invalid destination",
			transfer: deposit(100_000, "0x1234"),
			reason:   ReasonInvalidAddress,
		},
		{
			name:     "invalid destination stops before confirmations",
			setup:    func(f *fixture) { f.chainA.tx.Confirmations = 1 },
			transfer: deposit(100_000, "0x1234"),
			reason:   ReasonInvalidAddress,
		},
		{
			name:     "destination differs from on-chain commitment",
			transfer: deposit(100_000, "0x0000000000000000000000000000000000000001"),
			reason:   ReasonDestinationMismatch,
		},
		{
			name:      "insufficient confirmations",
			setup:     func(f *fixture) { f.chainA.tx.Confirmations = 2 },
			transfer:  deposit(100_000, chainBRecipient),
			reason:    ReasonInsufficientConfirmations,
			retryable: true,
		},
		{
			name: "lookup failure is retryable",
			setup: func(f *fixture) {
				f.chainA.err = bridgeerr.New(bridgeerr.KindChainLookup, "node down", errors.New("connection refused"))
			},
			transfer:  deposit(100_000, chainBRecipient),
			reason:    ReasonChainLookupError,
			retryable: true,
		},
		{
			name: "malformed txid is terminal",
			setup: func(f *fixture) {
				f.chainA.err = bridgeerr.New(bridgeerr.KindValidation, "txid", errors.New("bad hex"))
			},
			transfer: deposit(100_000, chainBRecipient),
			reason:   ReasonInvalidSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			result := f.pipeline.Validate(context.Background(), tt.transfer)
			if tt.reason == "" {
				assert.True(t, result.OK, "unexpected failure %s: %v", result.Reason, result.Err)
				return
			}
			assert.False(t, result.OK)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, tt.retryable, result.Retryable)
		})
	}
}

func TestValidateDepositUsesSecondaryNode(t *testing.T) {
	registry, err := assets.NewAssetRegistry(common.HexToAddress("0x1"), 8)
	require.NoError(t, err)

	primary := &fakeChainA{err: bridgeerr.New(bridgeerr.KindChainLookup, "node down", nil)}
	secondary := &fakeChainA{tx: &chaina.Transaction{Amount: 100_000, Confirmations: 10, Valid: true}}

	ops := fallback.NewRegistry(fallback.DefaultConfig(), zap.NewNop())
	RegisterOperations(ops, Dependencies{
		ChainA:         primary,
		ChainAFallback: secondary,
		ChainB:         &fakeChainB{},
		Addresses:      chaina.NewAddressValidator(&chaincfg.MainNetParams),
		Assets:         registry,
	})
	pipeline := NewPipeline(ops, Config{MinConfirmations: 6}, zap.NewNop())

	result := pipeline.Validate(context.Background(), deposit(100_000, chainBRecipient))
	assert.True(t, result.OK)

	history := ops.History(0)
	require.NotEmpty(t, history)
	assert.Equal(t, fallback.PathFallback, history[0].Path)
}

func TestValidateWithdrawal(t *testing.T) {
	requestHash := common.HexToHash("0xabc1")
	requestRef := chainb.RequestRef(requestHash, 3)

	tests := []struct {
		name      string
		setup     func(f *fixture)
		transfer  *model.Transfer
		reason    string
		retryable bool
	}{
		{
			name:     "pending withdrawal by sender",
			transfer: withdrawal(50_000, chainBSender, chainARecipient, ""),
		},
		{
			name: "withdrawal by request ref",
			setup: func(f *fixture) {
				f.chainB.requests[requestRef] = &chainb.WithdrawalRequest{
					TxHash:       requestHash,
					LogIndex:     3,
					Sender:       common.HexToAddress(chainBSender),
					BTCRecipient: chainARecipient,
					Amount:       satsToUnits(50_000),
				}
			},
			transfer: withdrawal(50_000, chainBSender, chainARecipient, requestRef),
		},
		{
			name:     "unknown request ref",
			transfer: withdrawal(50_000, chainBSender, chainARecipient, requestRef),
			reason:   ReasonSourceNotFound,
		},
		{
			name: "request ref from another sender",
			setup: func(f *fixture) {
				f.chainB.requests[requestRef] = &chainb.WithdrawalRequest{
					TxHash:       requestHash,
					LogIndex:     3,
					Sender:       common.HexToAddress("0x0000000000000000000000000000000000000009"),
					BTCRecipient: chainARecipient,
					Amount:       satsToUnits(50_000),
				}
			},
			transfer: withdrawal(50_000, chainBSender, chainARecipient, requestRef),
			reason:   ReasonInvalidSource,
		},
		{
			name:     "malformed sender",
			transfer: withdrawal(50_000, "0xnotanaccount", chainARecipient, ""),
			reason:   ReasonInvalidSource,
		},
		{
			name:     "nothing pending",
			setup:    func(f *fixture) { f.chainB.pendingAmount = big.NewInt(0) },
			transfer: withdrawal(50_000, chainBSender, chainARecipient, ""),
			reason:   ReasonSourceNotFound,
		},
		{
			name:     "amount mismatch",
			transfer: withdrawal(60_000, chainBSender, chainARecipient, ""),
			reason:   ReasonAmountMismatch,
		},
		{
			name:     "invalid chain-A destination",
			transfer: withdrawal(50_000, chainBSender, "bc1qnotreal", ""),
			reason:   ReasonInvalidAddress,
		},
		{
			name:     "destination differs from request",
			transfer: withdrawal(50_000, chainBSender, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", ""),
			reason:   ReasonDestinationMismatch,
		},
		{
			name:      "lookup failure is retryable",
			setup:     func(f *fixture) { f.chainB.err = errors.New("dial tcp: i/o timeout") },
			transfer:  withdrawal(50_000, chainBSender, chainARecipient, ""),
			reason:    ReasonChainLookupError,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			result := f.pipeline.Validate(context.Background(), tt.transfer)
			if tt.reason == "" {
				assert.True(t, result.OK, "unexpected failure %s: %v", result.Reason, result.Err)
				return
			}
			assert.False(t, result.OK)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, tt.retryable, result.Retryable)
		})
	}
}

func TestResultError(t *testing.T) {
	assert.NoError(t, Result{OK: true}.AsError())

	err := retry(ReasonInsufficientConfirmations, errors.New("2 of 6")).AsError()
	assert.ErrorIs(t, err, bridgeerr.InsufficientConfirmations)
	assert.True(t, bridgeerr.IsRetryable(err))

	err = reject(ReasonAmountMismatch, nil).AsError()
	assert.ErrorIs(t, err, bridgeerr.Validation)
	assert.False(t, bridgeerr.IsRetryable(err))

	err = retry(ReasonChainLookupError, nil).AsError()
	assert.ErrorIs(t, err, bridgeerr.ChainLookup)
}

func TestChainBAddressChecksum(t *testing.T) {
	checksummed := common.HexToAddress(chainBRecipient).Hex()
	assert.NoError(t, validateChainBAddress(checksummed))
	assert.NoError(t, validateChainBAddress(chainBRecipient))

	broken := []byte(checksummed)
	for i := 2; i < len(broken); i++ {
		if broken[i] >= 'a' && broken[i] <= 'f' {
			broken[i] -= 'a' - 'A'
			break
		}
	}
	assert.Error(t, validateChainBAddress(string(broken)))
}

package validation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"

	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/bridgeerr"
	"bridge/apps/bridge/internal/chaina"
	"bridge/apps/bridge/internal/chainb"
	"bridge/apps/bridge/internal/fallback"
)

// Operation names registered with the fallback registry.
const (
	OpChainAGetTransaction    = "chainA.getTransaction"
	OpChainBPendingWithdrawal = "chainB.pendingWithdrawal"
	OpAddressValidation       = "addressValidation"
)

type ChainATransactions interface {
	GetTransaction(ctx context.Context, txid string) (*chaina.Transaction, error)
}

type ChainBWithdrawals interface {
	WithdrawalRequest(ctx context.Context, ref string) (*chainb.WithdrawalRequest, error)
	PendingWithdrawal(ctx context.Context, sender common.Address) (*big.Int, string, error)
}

type ChainAAddresses interface {
	Validate(address string) error
	ValidateFormat(address string) error
}

// AddressCheck is the params of the addressValidation operation.
type AddressCheck struct {
	Chain   string
	Address string
}

// WithdrawalQuery is the params of the chainB.pendingWithdrawal operation.
type WithdrawalQuery struct {
	Sender     string
	RequestRef string
}

// WithdrawalObservation is what chain-B reports for a withdrawal.
type WithdrawalObservation struct {
	Found     bool
	Sender    string
	Amount    uint64
	Recipient string
}

var (
	errInvalidChainBAddress = errors.New("invalid chain-B address")
	chainBAddressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

type Dependencies struct {
	ChainA         ChainATransactions
	ChainAFallback ChainATransactions // optional secondary node
	ChainB         ChainBWithdrawals
	Addresses      ChainAAddresses
	Assets         *assets.AssetRegistry
}

// RegisterOperations wires the lookups the pipeline performs into registry.
func RegisterOperations(registry *fallback.Registry, deps Dependencies) {
	chainATx := fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			return deps.ChainA.GetTransaction(ctx, params.(string))
		},
		ShouldFallback: bridgeerr.IsRetryable,
	}
	if deps.ChainAFallback != nil {
		chainATx.Fallback = func(ctx context.Context, params interface{}) (interface{}, error) {
			return deps.ChainAFallback.GetTransaction(ctx, params.(string))
		}
	}
	registry.Register(OpChainAGetTransaction, chainATx)

	registry.Register(OpChainBPendingWithdrawal, fallback.Registration{
		Primary: func(ctx context.Context, params interface{}) (interface{}, error) {
			return observeWithdrawal(ctx, deps.ChainB, deps.Assets, params.(WithdrawalQuery))
		},
	})

	registry.Register(OpAddressValidation, fallback.Registration{
		Primary: func(_ context.Context, params interface{}) (interface{}, error) {
			check := params.(AddressCheck)
			if check.Chain == assets.ChainA {
				return nil, deps.Addresses.Validate(check.Address)
			}
			return nil, validateChainBAddress(check.Address)
		},
		Fallback: func(_ context.Context, params interface{}) (interface{}, error) {
			check := params.(AddressCheck)
			if check.Chain == assets.ChainA {
				return nil, deps.Addresses.ValidateFormat(check.Address)
			}
			if !chainBAddressPattern.MatchString(check.Address) {
				return nil, errInvalidChainBAddress
			}
			return nil, nil
		},
		// A rejected address is an answer; only an inability to check falls back.
		ShouldFallback: func(err error) bool {
			return !errors.Is(err, chaina.ErrInvalidAddress) && !errors.Is(err, errInvalidChainBAddress)
		},
	})
}

// validateChainBAddress accepts 0x-prefixed 20-byte hex. Mixed-case input
// must carry a valid EIP-55 checksum.
func validateChainBAddress(address string) error {
	if !chainBAddressPattern.MatchString(address) {
		return errInvalidChainBAddress
	}
	body := address[2:]
	if hasUpper(body) && hasLower(body) && common.HexToAddress(address).Hex() != address {
		return fmt.Errorf("%w: checksum mismatch", errInvalidChainBAddress)
	}
	return nil
}

func observeWithdrawal(ctx context.Context, chain ChainBWithdrawals, registry *assets.AssetRegistry, query WithdrawalQuery) (*WithdrawalObservation, error) {
	if query.RequestRef != "" {
		request, err := chain.WithdrawalRequest(ctx, query.RequestRef)
		if err != nil {
			return nil, err
		}
		if request == nil {
			return &WithdrawalObservation{}, nil
		}
		sats, err := registry.ToSats(request.Amount)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindValidation, "withdrawal amount", err)
		}
		return &WithdrawalObservation{
			Found:     true,
			Sender:    request.Sender.Hex(),
			Amount:    sats,
			Recipient: request.BTCRecipient,
		}, nil
	}

	sender := common.HexToAddress(query.Sender)
	amount, recipient, err := chain.PendingWithdrawal(ctx, sender)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() == 0 {
		return &WithdrawalObservation{}, nil
	}
	sats, err := registry.ToSats(amount)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.KindValidation, "withdrawal amount", err)
	}
	return &WithdrawalObservation{Found: true, Sender: sender.Hex(), Amount: sats, Recipient: recipient}, nil
}

func hasUpper(s string) bool {
	for _, r := range s {
		if r >= 'A' && r <= 'F' {
			return true
		}
	}
	return false
}

func hasLower(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'f' {
			return true
		}
	}
	return false
}

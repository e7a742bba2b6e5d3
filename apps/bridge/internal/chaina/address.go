package chaina

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var ErrInvalidAddress = errors.New("invalid chain-A address")

// NetParams maps the configured network name to btcd chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown chain-A network %q", network)
}

type AddressValidator struct {
	params *chaincfg.Params
	rules  []*regexp.Regexp
}

// NewAddressValidator accepts addresses for the network described by params.
func NewAddressValidator(params *chaincfg.Params) *AddressValidator {
	return &AddressValidator{params: params, rules: formatRules(params)}
}

// Validate decodes the address and checks it belongs to the configured network.
// Only P2PKH, P2SH and segwit (bech32/bech32m) destinations are accepted.
func (v *AddressValidator) Validate(address string) error {
	decoded, err := btcutil.DecodeAddress(address, v.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(v.params) {
		return fmt.Errorf("%w: not a %s address", ErrInvalidAddress, v.params.Name)
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash,
		*btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash, *btcutil.AddressTaproot:
		return nil
	}
	return fmt.Errorf("%w: unsupported address type %T", ErrInvalidAddress, decoded)
}

// ValidateFormat is the degraded check: prefix and alphabet only, no checksum.
func (v *AddressValidator) ValidateFormat(address string) error {
	candidate := address
	if strings.HasPrefix(strings.ToLower(address), v.params.Bech32HRPSegwit+"1") && address == strings.ToUpper(address) {
		candidate = strings.ToLower(address)
	}
	for _, rule := range v.rules {
		if rule.MatchString(candidate) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q does not match any %s address format", ErrInvalidAddress, address, v.params.Name)
}

const base58 = `[1-9A-HJ-NP-Za-km-z]`
const bech32 = `[02-9ac-hj-np-z]`

func formatRules(params *chaincfg.Params) []*regexp.Regexp {
	legacy := `^[13]` + base58 + `{25,34}$`
	if params.Name != chaincfg.MainNetParams.Name {
		legacy = `^[mn2]` + base58 + `{25,34}$`
	}
	return []*regexp.Regexp{
		regexp.MustCompile(legacy),
		regexp.MustCompile(`^` + regexp.QuoteMeta(params.Bech32HRPSegwit) + `1` + bech32 + `{11,71}$`),
	}
}

package assets

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SatDecimals is the precision of amounts inside the engine.
const SatDecimals = 8

const (
	ChainA = "chain-a"
	ChainB = "chain-b"
)

// Asset represents one side of the bridged pair
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Chain    string         `json:"chain"`
	Address  common.Address `json:"address,omitempty"`
	Decimals int            `json:"decimals"`
}

// AssetRegistry holds the native asset and its wrapped representation
type AssetRegistry struct {
	assets    map[string]*Asset
	byAddress map[common.Address]*Asset
	wrapped   *Asset
}

// NewAssetRegistry registers BTC and the wrapped token deployed at tokenAddress.
func NewAssetRegistry(tokenAddress common.Address, tokenDecimals int) (*AssetRegistry, error) {
	if tokenDecimals < SatDecimals {
		return nil, fmt.Errorf("wrapped token decimals %d below satoshi precision", tokenDecimals)
	}

	registry := &AssetRegistry{
		assets:    make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
	}

	native := &Asset{Symbol: "BTC", Name: "Bitcoin", Chain: ChainA, Decimals: SatDecimals}
	wrapped := &Asset{
		Symbol:   "zBTC",
		Name:     "Bridged BTC",
		Chain:    ChainB,
		Address:  tokenAddress,
		Decimals: tokenDecimals,
	}

	registry.assets[native.Symbol] = native
	registry.assets[wrapped.Symbol] = wrapped
	registry.byAddress[wrapped.Address] = wrapped
	registry.wrapped = wrapped

	return registry, nil
}

// GetBySymbol returns an asset by its symbol
func (r *AssetRegistry) GetBySymbol(symbol string) (*Asset, bool) {
	asset, exists := r.assets[symbol]
	return asset, exists
}

// GetByAddress returns an asset by its contract address
func (r *AssetRegistry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, exists := r.byAddress[address]
	return asset, exists
}

func (r *AssetRegistry) Wrapped() *Asset {
	return r.wrapped
}

// ToTokenUnits scales satoshis up to the wrapped token's base units.
func (r *AssetRegistry) ToTokenUnits(sats uint64) *big.Int {
	units := new(big.Int).SetUint64(sats)
	return units.Mul(units, r.scale())
}

// ToSats scales token base units down to satoshis. Dust below one satoshi
// is rejected rather than rounded so a withdrawal never loses value silently.
func (r *AssetRegistry) ToSats(units *big.Int) (uint64, error) {
	if units == nil || units.Sign() < 0 {
		return 0, fmt.Errorf("invalid token amount %v", units)
	}
	quo, rem := new(big.Int).QuoRem(units, r.scale(), new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("token amount %s is not a whole number of satoshis", units)
	}
	if !quo.IsUint64() {
		return 0, fmt.Errorf("token amount %s overflows satoshis", units)
	}
	return quo.Uint64(), nil
}

func (r *AssetRegistry) scale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.wrapped.Decimals-SatDecimals)), nil)
}

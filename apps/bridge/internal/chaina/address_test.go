package chaina

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressValidator(t *testing.T) {
	mainnet := NewAddressValidator(&chaincfg.MainNetParams)
	testnet := NewAddressValidator(&chaincfg.TestNet3Params)

	tests := []struct {
		name      string
		validator *AddressValidator
		address   string
		valid     bool
	}{
		{"mainnet p2pkh", mainnet, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", true},
		{"mainnet p2sh", mainnet, "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", true},
		{"mainnet bech32", mainnet, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"bad checksum", mainnet, "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN3", false},
		{"testnet address on mainnet", mainnet, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", false},
		{"chain-B address", mainnet, "0x8236a87084f8b84306f72007f36f2618a5634494", false},
		{"empty", mainnet, "", false},
		{"testnet bech32", testnet, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator.Validate(tt.address)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAddress)
			}
		})
	}
}

func TestAddressValidatorFormatFallback(t *testing.T) {
	mainnet := NewAddressValidator(&chaincfg.MainNetParams)

	assert.NoError(t, mainnet.ValidateFormat("1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"))
	assert.NoError(t, mainnet.ValidateFormat("bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"))
	assert.NoError(t, mainnet.ValidateFormat("BC1QAR0SRRR7XFKVY5L643LYDNW9RE59GTZZWF5MDQ"))
	// The format check cannot see checksums.
	assert.NoError(t, mainnet.ValidateFormat("1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN3"))

	assert.Error(t, mainnet.ValidateFormat("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"))
	assert.Error(t, mainnet.ValidateFormat("0OIl0000000000000000000000000"))
	assert.Error(t, mainnet.ValidateFormat(""))
}

func TestNetParams(t *testing.T) {
	params, err := NetParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, "bcrt", params.Bech32HRPSegwit)

	_, err = NetParams("dogecoin")
	assert.Error(t, err)
}

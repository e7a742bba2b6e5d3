package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DB_URL", "postgres://bridge@localhost/bridge?sslmode=disable")
	t.Setenv("CHAIN_A_RPC_HOST", "localhost:8332")
	t.Setenv("CHAIN_A_CUSTODY_ADDRESS", "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq")
	t.Setenv("CHAIN_B_RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_B_BRIDGE_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
}

func TestNewConfigDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "mainnet", cfg.ChainANetwork)
	assert.Equal(t, int64(6), cfg.MinConfirmations)
	assert.Equal(t, 3, cfg.QuorumMin)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.SignatureTimeout)
	assert.Equal(t, 2*time.Hour, cfg.ConfirmationCeiling)
	assert.Equal(t, 72*time.Hour, cfg.RetryMaxAge)
	assert.Equal(t, 0.9, cfg.HealthHighWatermark)
	assert.False(t, cfg.AllowEmergencySignatures)
	assert.Empty(t, cfg.OperatorEndpoints)
}

func TestNewConfigOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("QUORUM_MIN", "2")
	t.Setenv("RETRY_COOL_DOWN", "5s")
	t.Setenv("ALLOW_EMERGENCY_SIGNATURES", "true")
	t.Setenv("OPERATOR_ENDPOINTS", "op-a=http://a:9000, op-b=http://b:9000")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")
	t.Setenv("OPERATOR_KEYS", "0xaa, ,0xbb")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.QuorumMin)
	assert.Equal(t, 5*time.Second, cfg.RetryCoolDown)
	assert.True(t, cfg.AllowEmergencySignatures)
	assert.Equal(t, map[string]string{"op-a": "http://a:9000", "op-b": "http://b:9000"}, cfg.OperatorEndpoints)
	assert.Equal(t, 5, cfg.MaxAttempts, "unparsable values fall back to the default")
	assert.Equal(t, []string{"0xaa", "0xbb"}, cfg.OperatorKeys)
}

func TestNewConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing database", "DB_URL", ""},
		{"unknown network", "CHAIN_A_NETWORK", "mainnet2"},
		{"zero quorum", "QUORUM_MIN", "0"},
		{"inverted watermarks", "HEALTH_LOW_WATERMARK", "0.95"},
		{"malformed operators", "OPERATOR_ENDPOINTS", "op-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}

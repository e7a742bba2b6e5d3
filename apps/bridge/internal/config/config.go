package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DbURL            string
	KafkaBroker      string
	KafkaEventsTopic string
	KafkaIntakeTopic string
	APIPort          int

	ChainARPCHost         string
	ChainARPCUser         string
	ChainARPCPass         string
	ChainAFallbackRPCHost string
	ChainANetwork         string
	CustodyAddress        string
	MinConfirmations      int64
	WatcherInterval       time.Duration
	WatcherFinalityOffset int64

	ChainBRPCURL          string
	BridgeAddress         string
	TokenAddress          string
	TokenDecimals         int
	ChainBPrivateKey      string
	ChunkSize             uint64
	CrawlerFinalityOffset uint64

	QuorumMin                int
	OperatorEndpoints        map[string]string
	OperatorKeys             []string
	SignatureTimeout         time.Duration
	SignatureMaxAge          time.Duration
	AllowEmergencySignatures bool

	RPCTimeout          time.Duration
	InclusionTimeout    time.Duration
	ConfirmationCeiling time.Duration
	MaxAttempts         int
	AmountToleranceSats uint64

	RetryInterval  time.Duration
	RetryCoolDown  time.Duration
	RetryMaxAge    time.Duration
	RetryBatchSize int
	Workers        int

	FallbackHistorySize int
	FallbackWindow      int
	HealthHighWatermark float64
	HealthLowWatermark  float64
	FallbackMode        bool
}

// NewConfig loads configuration from environment variables, reading .env
// first when one exists.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	operators, err := getEnvMap("OPERATOR_ENDPOINTS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DbURL:            os.Getenv("DB_URL"),
		KafkaBroker:      os.Getenv("KAFKA_BROKER"),
		KafkaEventsTopic: getEnvOrDefault("KAFKA_EVENTS_TOPIC", "bridge.transfers"),
		KafkaIntakeTopic: os.Getenv("KAFKA_INTAKE_TOPIC"),
		APIPort:          getEnvInt("API_PORT", 8080),

		ChainARPCHost:         os.Getenv("CHAIN_A_RPC_HOST"),
		ChainARPCUser:         os.Getenv("CHAIN_A_RPC_USER"),
		ChainARPCPass:         os.Getenv("CHAIN_A_RPC_PASS"),
		ChainAFallbackRPCHost: os.Getenv("CHAIN_A_FALLBACK_RPC_HOST"),
		ChainANetwork:         getEnvOrDefault("CHAIN_A_NETWORK", "mainnet"),
		CustodyAddress:        os.Getenv("CHAIN_A_CUSTODY_ADDRESS"),
		MinConfirmations:      int64(getEnvInt("MIN_CONFIRMATIONS", 6)),
		WatcherInterval:       getEnvDuration("WATCHER_INTERVAL", 30*time.Second),
		WatcherFinalityOffset: int64(getEnvInt("WATCHER_FINALITY_OFFSET", 5)),

		ChainBRPCURL:          os.Getenv("CHAIN_B_RPC_URL"),
		BridgeAddress:         os.Getenv("CHAIN_B_BRIDGE_ADDRESS"),
		TokenAddress:          os.Getenv("CHAIN_B_TOKEN_ADDRESS"),
		TokenDecimals:         getEnvInt("CHAIN_B_TOKEN_DECIMALS", 8),
		ChainBPrivateKey:      os.Getenv("CHAIN_B_PRIVATE_KEY"),
		ChunkSize:             getEnvUint64("CHUNK_SIZE", 100),
		CrawlerFinalityOffset: getEnvUint64("CRAWLER_FINALITY_OFFSET", 12),

		QuorumMin:                getEnvInt("QUORUM_MIN", 3),
		OperatorEndpoints:        operators,
		OperatorKeys:             getEnvList("OPERATOR_KEYS"),
		SignatureTimeout:         getEnvDuration("SIGNATURE_TIMEOUT", 10*time.Second),
		SignatureMaxAge:          getEnvDuration("SIGNATURE_MAX_AGE", 10*time.Minute),
		AllowEmergencySignatures: getEnvBool("ALLOW_EMERGENCY_SIGNATURES", false),

		RPCTimeout:          getEnvDuration("RPC_TIMEOUT", 15*time.Second),
		InclusionTimeout:    getEnvDuration("INCLUSION_TIMEOUT", 60*time.Second),
		ConfirmationCeiling: getEnvDuration("CONFIRMATION_CEILING", 2*time.Hour),
		MaxAttempts:         getEnvInt("MAX_ATTEMPTS", 5),
		AmountToleranceSats: getEnvUint64("AMOUNT_TOLERANCE_SATS", 1),

		RetryInterval:  getEnvDuration("RETRY_INTERVAL", 30*time.Second),
		RetryCoolDown:  getEnvDuration("RETRY_COOL_DOWN", 30*time.Second),
		RetryMaxAge:    getEnvDuration("RETRY_MAX_AGE", 72*time.Hour),
		RetryBatchSize: getEnvInt("RETRY_BATCH_SIZE", 20),
		Workers:        getEnvInt("WORKERS", 8),

		FallbackHistorySize: getEnvInt("FALLBACK_HISTORY_SIZE", 500),
		FallbackWindow:      getEnvInt("FALLBACK_WINDOW", 100),
		HealthHighWatermark: getEnvFloat("HEALTH_HIGH_WATERMARK", 0.9),
		HealthLowWatermark:  getEnvFloat("HEALTH_LOW_WATERMARK", 0.5),
		FallbackMode:        getEnvBool("FALLBACK_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"DB_URL", c.DbURL},
		{"CHAIN_A_RPC_HOST", c.ChainARPCHost},
		{"CHAIN_A_CUSTODY_ADDRESS", c.CustodyAddress},
		{"CHAIN_B_RPC_URL", c.ChainBRPCURL},
		{"CHAIN_B_BRIDGE_ADDRESS", c.BridgeAddress},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("environment variable %s not set", r.key)
		}
	}

	switch c.ChainANetwork {
	case "mainnet", "testnet", "regtest", "signet":
	default:
		return fmt.Errorf("CHAIN_A_NETWORK %q is not one of mainnet, testnet, regtest, signet", c.ChainANetwork)
	}

	if c.QuorumMin < 1 {
		return fmt.Errorf("QUORUM_MIN must be at least 1, got %d", c.QuorumMin)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.HealthLowWatermark <= 0 || c.HealthHighWatermark > 1 || c.HealthLowWatermark > c.HealthHighWatermark {
		return fmt.Errorf("health watermarks must satisfy 0 < low <= high <= 1, got low=%v high=%v",
			c.HealthLowWatermark, c.HealthHighWatermark)
	}
	if c.TokenDecimals < 8 || c.TokenDecimals > 36 {
		return fmt.Errorf("CHAIN_B_TOKEN_DECIMALS must be between 8 and 36, got %d", c.TokenDecimals)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvMap parses "id=url,id=url".
func getEnvMap(key string) (map[string]string, error) {
	result := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return result, nil
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid %s entry %q, expected id=url", key, pair)
		}
		result[strings.TrimSpace(id)] = strings.TrimSpace(url)
	}
	return result, nil
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var result []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// Package config loads the facilitator daemon's configuration from
// environment variables with sensible defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// Config holds the facilitator daemon configuration.
type Config struct {
	// Server
	ListenAddr string

	// Database
	DBPath string

	// Signing keys
	EVMPrivateKey     string
	SolanaFeePayerKey string

	// EVMEndpoints maps an EVM network id to its RPC endpoint. Only networks
	// with a configured endpoint are served.
	EVMEndpoints map[string]string

	// SVMEndpoints maps a Solana-family network id to its RPC endpoint.
	SVMEndpoints map[string]string

	// Settlement
	SweepInterval       time.Duration
	ConfirmPollInterval time.Duration
	MaxSubmitAttempts   int

	// EVM gas ceiling per settlement transaction.
	GasLimitCap uint64
}

// Load reads the configuration from the environment.
func Load() *Config {
	cfg := &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", "./facilitator.db"),
		EVMPrivateKey:       getEnv("EVM_PRIVATE_KEY", ""),
		SolanaFeePayerKey:   getEnv("SOLANA_FEE_PAYER_KEY", ""),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		ConfirmPollInterval: getEnvDuration("CONFIRM_POLL_INTERVAL", 2*time.Second),
		MaxSubmitAttempts:   getEnvInt("MAX_SUBMIT_ATTEMPTS", 4),
		GasLimitCap:         uint64(getEnvInt("GAS_LIMIT_CAP", 150_000)),
		EVMEndpoints:        make(map[string]string),
		SVMEndpoints:        make(map[string]string),
	}

	// RPC endpoints follow the RPC_URL_<NETWORK> convention, e.g.
	// RPC_URL_BASE_SEPOLIA for the base-sepolia network.
	for _, network := range v402.SupportedNetworks() {
		url := os.Getenv(rpcEnvKey(network))
		if url == "" {
			continue
		}
		chainCfg, err := v402.LookupChain(network)
		if err != nil {
			continue
		}
		switch chainCfg.Type {
		case v402.NetworkTypeEVM:
			cfg.EVMEndpoints[network] = url
		case v402.NetworkTypeSVM:
			cfg.SVMEndpoints[network] = url
		}
	}

	return cfg
}

func rpcEnvKey(network string) string {
	return "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

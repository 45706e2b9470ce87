// Package v402 defines the facilitator's protocol value types, error taxonomy,
// and the static chain registry used to route payments to a chain family.
// The registry carries verified USDC addresses, EIP-3009 domain parameters for
// EVM networks, and each network's confirmation threshold.
package v402

import "fmt"

// NetworkType represents the blockchain family a network belongs to.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains (EIP-712 signing).
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains (Ed25519 signing).
	NetworkTypeSVM
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// ChainConfig contains chain-specific configuration for a supported network.
type ChainConfig struct {
	// NetworkID is the protocol network identifier (e.g., "base", "solana").
	NetworkID string

	// Type is the chain family.
	Type NetworkType

	// ChainID is the EVM chain id; zero for non-EVM networks.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address or mint address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-3009 domain parameter "name" (empty for non-EVM chains).
	EIP3009Name string

	// EIP3009Version is the EIP-3009 domain parameter "version" (empty for non-EVM chains).
	EIP3009Version string

	// RequiredConfirmations is the number of confirmations after which a
	// settlement transaction is treated as final. Small for fast-finality
	// rollups, larger for probabilistic-finality base chains.
	RequiredConfirmations uint64
}

// Mainnet chain configurations.
var (
	// SolanaMainnet is the configuration for Solana mainnet.
	SolanaMainnet = ChainConfig{
		NetworkID:             "solana",
		Type:                  NetworkTypeSVM,
		USDCAddress:           "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:              6,
		RequiredConfirmations: 1,
	}

	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		NetworkID:             "base",
		Type:                  NetworkTypeEVM,
		ChainID:               8453,
		USDCAddress:           "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:              6,
		EIP3009Name:           "USD Coin",
		EIP3009Version:        "2",
		RequiredConfirmations: 2,
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		NetworkID:             "polygon",
		Type:                  NetworkTypeEVM,
		ChainID:               137,
		USDCAddress:           "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:              6,
		EIP3009Name:           "USD Coin",
		EIP3009Version:        "2",
		RequiredConfirmations: 16,
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = ChainConfig{
		NetworkID:             "avalanche",
		Type:                  NetworkTypeEVM,
		ChainID:               43114,
		USDCAddress:           "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:              6,
		EIP3009Name:           "USD Coin",
		EIP3009Version:        "2",
		RequiredConfirmations: 1,
	}
)

// Testnet chain configurations.
var (
	// SolanaDevnet is the configuration for Solana devnet.
	SolanaDevnet = ChainConfig{
		NetworkID:             "solana-devnet",
		Type:                  NetworkTypeSVM,
		USDCAddress:           "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:              6,
		RequiredConfirmations: 1,
	}

	// BaseSepolia is the configuration for Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		NetworkID:             "base-sepolia",
		Type:                  NetworkTypeEVM,
		ChainID:               84532,
		USDCAddress:           "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:              6,
		EIP3009Name:           "USDC",
		EIP3009Version:        "2",
		RequiredConfirmations: 2,
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = ChainConfig{
		NetworkID:             "polygon-amoy",
		Type:                  NetworkTypeEVM,
		ChainID:               80002,
		USDCAddress:           "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:              6,
		EIP3009Name:           "USDC",
		EIP3009Version:        "2",
		RequiredConfirmations: 16,
	}

	// AvalancheFuji is the configuration for Avalanche Fuji testnet.
	AvalancheFuji = ChainConfig{
		NetworkID:             "avalanche-fuji",
		Type:                  NetworkTypeEVM,
		ChainID:               43113,
		USDCAddress:           "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:              6,
		EIP3009Name:           "USDC",
		EIP3009Version:        "2",
		RequiredConfirmations: 1,
	}
)

var chainRegistry = map[string]ChainConfig{
	SolanaMainnet.NetworkID:    SolanaMainnet,
	BaseMainnet.NetworkID:      BaseMainnet,
	PolygonMainnet.NetworkID:   PolygonMainnet,
	AvalancheMainnet.NetworkID: AvalancheMainnet,
	SolanaDevnet.NetworkID:     SolanaDevnet,
	BaseSepolia.NetworkID:      BaseSepolia,
	PolygonAmoy.NetworkID:      PolygonAmoy,
	AvalancheFuji.NetworkID:    AvalancheFuji,
}

// LookupChain returns the chain configuration for a network identifier.
func LookupChain(networkID string) (ChainConfig, error) {
	cfg, ok := chainRegistry[networkID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, networkID)
	}
	return cfg, nil
}

// SupportedNetworks lists all registered network identifiers.
func SupportedNetworks() []string {
	out := make([]string, 0, len(chainRegistry))
	for id := range chainRegistry {
		out = append(out, id)
	}
	return out
}

// ValidateNetwork validates a network identifier and returns its chain family.
func ValidateNetwork(networkID string) (NetworkType, error) {
	if networkID == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: empty network id", ErrUnsupportedNetwork)
	}
	cfg, ok := chainRegistry[networkID]
	if !ok {
		return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, networkID)
	}
	return cfg.Type, nil
}

// RequiredConfirmations returns the confirmation threshold for a network.
// Unknown networks default to a single confirmation.
func RequiredConfirmations(networkID string) uint64 {
	if cfg, ok := chainRegistry[networkID]; ok {
		return cfg.RequiredConfirmations
	}
	return 1
}

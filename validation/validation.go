// Package validation validates payment requirements and payloads before they
// reach the verification and settlement core.
package validation

import (
	"fmt"
	"regexp"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateAmount validates that an amount string is a valid positive integer
// in atomic units.
func ValidateAmount(amount string) error {
	amt, err := v402.ParseAtomicAmount(amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}
	return nil
}

// ValidateAddress validates an address based on the network's chain family.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := v402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case v402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case v402.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
}

// ValidatePaymentRequirement performs comprehensive validation of a payment
// requirement: amount, network, addresses, scheme, timeout, and the EIP-3009
// domain parameters for EVM chains.
func ValidatePaymentRequirement(req v402.PaymentRequirement) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("%w: %v", v402.ErrInvalidRequirement, err)
	}

	if req.Network == "" {
		return fmt.Errorf("%w: network cannot be empty", v402.ErrInvalidRequirement)
	}

	networkType, err := v402.ValidateNetwork(req.Network)
	if err != nil {
		return fmt.Errorf("%w: %v", v402.ErrInvalidRequirement, err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("%w: payTo %v", v402.ErrInvalidRequirement, err)
	}

	if req.Asset == "" {
		return fmt.Errorf("%w: asset address cannot be empty", v402.ErrInvalidRequirement)
	}
	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("%w: asset %v", v402.ErrInvalidRequirement, err)
	}

	switch req.Scheme {
	case v402.SchemeExact, v402.SchemeUpTo, v402.SchemeDynamic:
		// Valid schemes
	case "":
		return fmt.Errorf("%w: scheme cannot be empty", v402.ErrInvalidRequirement)
	default:
		return fmt.Errorf("%w: unsupported scheme %s", v402.ErrInvalidRequirement, req.Scheme)
	}

	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout must be positive: %d", v402.ErrInvalidRequirement, req.MaxTimeoutSeconds)
	}

	// Validate EIP-3009 parameters for EVM chains
	if networkType == v402.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("%w: EIP-3009 name cannot be empty", v402.ErrInvalidRequirement)
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("%w: EIP-3009 version cannot be empty", v402.ErrInvalidRequirement)
		}
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload's envelope: version,
// scheme, network, and presence of the chain-family payload.
func ValidatePaymentPayload(payment v402.PaymentPayload) error {
	if payment.V402Version != v402.ProtocolVersion {
		return fmt.Errorf("%w: %d", v402.ErrUnsupportedVersion, payment.V402Version)
	}

	switch payment.Scheme {
	case v402.SchemeExact, v402.SchemeUpTo, v402.SchemeDynamic:
	case "":
		return fmt.Errorf("%w: scheme cannot be empty", v402.ErrUnsupportedScheme)
	default:
		return fmt.Errorf("%w: %s", v402.ErrUnsupportedScheme, payment.Scheme)
	}

	if payment.Network == "" {
		return fmt.Errorf("%w: network cannot be empty", v402.ErrUnsupportedNetwork)
	}
	if _, err := v402.ValidateNetwork(payment.Network); err != nil {
		return err
	}

	if payment.Payload == nil {
		return fmt.Errorf("%w: payload cannot be nil", v402.ErrMalformedPayload)
	}

	return nil
}

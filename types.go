package v402

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ProtocolVersion is the wire protocol version this module speaks.
const ProtocolVersion = 1

// Scheme identifies how a payment amount relates to the declared requirement.
type Scheme string

const (
	// SchemeExact requires the authorized amount to equal MaxAmountRequired.
	SchemeExact Scheme = "exact"

	// SchemeUpTo accepts any authorized amount up to MaxAmountRequired.
	SchemeUpTo Scheme = "upto"

	// SchemeDynamic requires the authorized amount to equal a server-computed
	// price obtained from an external pricing collaborator at verification time.
	SchemeDynamic Scheme = "dynamic"
)

// PaymentRequirement represents a single payment option a resource server declares.
// Requirements are immutable once declared and identified by (resource, scheme, network).
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier ("exact", "upto", "dynamic").
	Scheme Scheme `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base", "solana").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount ceiling in atomic units (wei, lamports).
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is an opaque identifier of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity window for a payment authorization,
	// measured from the moment settlement is requested.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data. For EVM networks this
	// carries the EIP-3009 domain parameters "name" and "version".
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirementsResponse is the body of a 402 Payment Required response.
type PaymentRequirementsResponse struct {
	// V402Version is the protocol version.
	V402Version int `json:"v402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Accepts is the list of payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentPayload represents a signed payment authorization submitted for
// verification and settlement.
type PaymentPayload struct {
	// V402Version is the protocol version.
	V402Version int `json:"v402Version"`

	// Scheme is the payment scheme identifier.
	Scheme Scheme `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the chain-family-specific signed payment data.
	// For EVM: EVMPayload with an EIP-712 signature and authorization.
	// For Solana: SVMPayload with an Ed25519 signature, authorization,
	// and a partially signed transaction.
	Payload interface{} `json:"payload"`
}

// EVMAuthorization carries the EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units (wei).
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string chosen by the payer.
	Nonce string `json:"nonce"`
}

// EVMPayload represents an EVM payment with an EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature over the EIP-712 digest.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// SVMAuthorization carries the payment parameters signed raw with Ed25519
// on Solana-family networks. Addresses are base58 encoded.
type SVMAuthorization struct {
	// From is the payer's account.
	From string `json:"from"`

	// To is the recipient's account.
	To string `json:"to"`

	// Value is the payment amount in atomic units (token base units).
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique payer-chosen value, base58 or hex encoded.
	Nonce string `json:"nonce"`
}

// SVMPayload represents a Solana payment: a raw Ed25519 authorization plus a
// partially signed transaction the facilitator countersigns as fee payer.
type SVMPayload struct {
	// Signature is the base58-encoded Ed25519 signature over the canonical
	// authorization encoding.
	Signature string `json:"signature"`

	// Authorization contains the signed payment parameters.
	Authorization SVMAuthorization `json:"authorization"`

	// Transaction is the base64-encoded partially signed Solana transaction.
	Transaction string `json:"transaction"`
}

// EVM decodes the chain-family payload as an EVMPayload. The payload arrives
// as untyped JSON from the wire, so this round-trips through encoding/json.
func (p PaymentPayload) EVM() (*EVMPayload, error) {
	var out EVMPayload
	if err := decodePayload(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &out, nil
}

// SVM decodes the chain-family payload as an SVMPayload.
func (p PaymentPayload) SVM() (*SVMPayload, error) {
	var out SVMPayload
	if err := decodePayload(p.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &out, nil
}

func decodePayload(in, out interface{}) error {
	if in == nil {
		return fmt.Errorf("payload is nil")
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// VerifiedPayer is the result of a successful signature verification.
type VerifiedPayer struct {
	// Payer is the recovered signer address.
	Payer string `json:"payer"`

	// Network is the network the authorization targets.
	Network string `json:"network"`
}

// SettlementResponse represents the facilitator's response after settlement.
type SettlementResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// Status is the payment record's current lifecycle status.
	Status string `json:"status,omitempty"`

	// PaymentID is the deterministic record identifier.
	PaymentID string `json:"paymentId,omitempty"`

	// ErrorReason provides details if the payment failed.
	ErrorReason Reason `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction reference.
	Transaction string `json:"transaction,omitempty"`

	// Confirmations is the number of confirmations observed so far.
	Confirmations uint64 `json:"confirmations,omitempty"`

	// Network is the blockchain network where the payment settles.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// VerifyResponse contains the payment verification result.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason Reason `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`

	// PaymentID references the colliding record when the reason is
	// duplicate_authorization, so callers can distinguish "already settling"
	// from "rejected".
	PaymentID string `json:"paymentId,omitempty"`
}

// ParseAtomicAmount parses an atomic-unit amount string as a non-negative
// integer. Amounts never use floating point.
func ParseAtomicAmount(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, ErrInvalidAmount
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.5".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}

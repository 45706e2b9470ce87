package v402

import (
	"errors"
	"fmt"
)

// Standard facilitator error definitions.

var (
	// ErrInvalidRequirement indicates a malformed payment requirement.
	ErrInvalidRequirement = errors.New("v402: invalid payment requirement")

	// ErrRecipientMismatch indicates the authorization's payee does not match
	// the requirement's payTo address.
	ErrRecipientMismatch = errors.New("v402: recipient mismatch")

	// ErrInsufficientAmount indicates the authorized amount does not satisfy
	// the requirement's scheme.
	ErrInsufficientAmount = errors.New("v402: insufficient payment amount")

	// ErrSignatureInvalid indicates the recovered signer does not match the payer.
	ErrSignatureInvalid = errors.New("v402: invalid signature")

	// ErrAuthorizationExpired indicates validBefore is in the past.
	ErrAuthorizationExpired = errors.New("v402: authorization expired")

	// ErrAuthorizationNotYetValid indicates validAfter is in the future.
	ErrAuthorizationNotYetValid = errors.New("v402: authorization not yet valid")

	// ErrDuplicateAuthorization indicates the (payer, network, nonce) key is
	// already reserved by another settlement attempt.
	ErrDuplicateAuthorization = errors.New("v402: duplicate authorization")

	// ErrChainUnavailable indicates a transient chain failure; retry with backoff.
	ErrChainUnavailable = errors.New("v402: chain unavailable")

	// ErrChainRejected indicates the chain permanently rejected the transaction.
	ErrChainRejected = errors.New("v402: chain rejected transaction")

	// ErrUnsupportedVersion indicates an unsupported protocol version.
	ErrUnsupportedVersion = errors.New("v402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("v402: unsupported payment scheme")

	// ErrUnsupportedNetwork indicates an unsupported blockchain network.
	ErrUnsupportedNetwork = errors.New("v402: invalid or unsupported network")

	// ErrMalformedPayload indicates the chain-family payload cannot be decoded.
	ErrMalformedPayload = errors.New("v402: malformed payment payload")

	// ErrInvalidAmount indicates a malformed or negative atomic amount.
	ErrInvalidAmount = errors.New("v402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("v402: invalid private key")

	// ErrRecordNotFound indicates no payment record exists for the given id.
	ErrRecordNotFound = errors.New("v402: payment record not found")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("v402: payment settlement failed")

	// ErrSettlementTimeout indicates a submitted payment was never confirmed
	// within its validity window.
	ErrSettlementTimeout = errors.New("v402: settlement timed out")
)

// ErrorCode categorizes payment errors for programmatic handling.
type ErrorCode string

const (
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"
	ErrCodeVerificationFailed  ErrorCode = "VERIFICATION_FAILED"
	ErrCodeDuplicateNonce      ErrorCode = "DUPLICATE_NONCE"
	ErrCodeChainUnavailable    ErrorCode = "CHAIN_UNAVAILABLE"
	ErrCodeChainRejected       ErrorCode = "CHAIN_REJECTED"
	ErrCodeSettlementFailed    ErrorCode = "SETTLEMENT_FAILED"
	ErrCodeInternal            ErrorCode = "INTERNAL"
)

// PaymentError is a structured error carrying a code, a human-readable
// message, an optional underlying cause, and free-form details.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]string
}

// NewPaymentError creates a PaymentError with an initialized details map.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]string),
	}
}

// WithDetails attaches a key/value detail and returns the error for chaining.
func (e *PaymentError) WithDetails(key, value string) *PaymentError {
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Reason is the wire-level failure reason reported to callers.
type Reason string

const (
	ReasonInvalidVersion           Reason = "invalid_version"
	ReasonInvalidScheme            Reason = "invalid_scheme"
	ReasonInvalidNetwork           Reason = "invalid_network"
	ReasonInvalidPayload           Reason = "invalid_payment_payload"
	ReasonInvalidRequirement       Reason = "invalid_payment_requirement"
	ReasonRecipientMismatch        Reason = "recipient_mismatch"
	ReasonInsufficientAmount       Reason = "insufficient_amount"
	ReasonAuthorizationExpired     Reason = "authorization_expired"
	ReasonAuthorizationNotYetValid Reason = "authorization_not_yet_valid"
	ReasonSignatureInvalid         Reason = "signature_invalid"
	ReasonDuplicateAuthorization   Reason = "duplicate_authorization"
	ReasonChainUnavailable         Reason = "chain_unavailable"
	ReasonChainRejected            Reason = "chain_rejected"
	ReasonSettlementTimeout        Reason = "settlement_timeout"
	ReasonInternalError            Reason = "internal_error"
)

// ReasonForError maps a core error to its wire-level reason. Unrecognized
// errors map to internal_error.
func ReasonForError(err error) Reason {
	switch {
	case errors.Is(err, ErrRecipientMismatch):
		return ReasonRecipientMismatch
	case errors.Is(err, ErrInsufficientAmount):
		return ReasonInsufficientAmount
	case errors.Is(err, ErrAuthorizationExpired):
		return ReasonAuthorizationExpired
	case errors.Is(err, ErrAuthorizationNotYetValid):
		return ReasonAuthorizationNotYetValid
	case errors.Is(err, ErrSignatureInvalid):
		return ReasonSignatureInvalid
	case errors.Is(err, ErrDuplicateAuthorization):
		return ReasonDuplicateAuthorization
	case errors.Is(err, ErrChainUnavailable):
		return ReasonChainUnavailable
	case errors.Is(err, ErrChainRejected):
		return ReasonChainRejected
	case errors.Is(err, ErrUnsupportedVersion):
		return ReasonInvalidVersion
	case errors.Is(err, ErrUnsupportedScheme):
		return ReasonInvalidScheme
	case errors.Is(err, ErrUnsupportedNetwork):
		return ReasonInvalidNetwork
	case errors.Is(err, ErrMalformedPayload):
		return ReasonInvalidPayload
	case errors.Is(err, ErrInvalidRequirement), errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidRequirement
	case errors.Is(err, ErrSettlementTimeout):
		return ReasonSettlementTimeout
	default:
		return ReasonInternalError
	}
}

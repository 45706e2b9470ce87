// Package signer builds signed payment payloads on the payer side. The
// facilitator itself never signs authorizations; this package exists so Go
// clients can produce payloads the verifier accepts, and so integration
// tests can exercise the full authorize-verify-settle path with real keys.
package signer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

var (
	// ErrNoSigner indicates no configured signer can satisfy a requirement.
	ErrNoSigner = errors.New("signer: no signer can satisfy requirement")

	// ErrAmountExceeded indicates the requirement asks for more than the
	// signer's per-call limit allows.
	ErrAmountExceeded = errors.New("signer: amount exceeds per-call limit")
)

// clockDriftSeconds is subtracted from validAfter so an authorization is not
// rejected when the facilitator's clock runs slightly behind the payer's.
const clockDriftSeconds = 10

// defaultTimeoutSeconds bounds the validity window when the requirement
// does not name one.
const defaultTimeoutSeconds = 600

// Signer produces a signed payment payload for a requirement it can serve.
type Signer interface {
	// Network is the network identifier this signer signs for.
	Network() string

	// Address is the payer account the signatures authenticate.
	Address() string

	// CanSign reports whether the signer can satisfy the requirement.
	CanSign(req v402.PaymentRequirement) bool

	// Sign builds and signs a payment payload for the requirement.
	Sign(req v402.PaymentRequirement) (*v402.PaymentPayload, error)
}

// Select returns the first signer able to satisfy the requirement.
func Select(signers []Signer, req v402.PaymentRequirement) (Signer, error) {
	for _, s := range signers {
		if s.CanSign(req) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrNoSigner, req.Scheme, req.Network)
}

// authorizationNonce returns a fresh random 32-byte nonce in hex. Each
// authorization must carry a nonce never used before by the payer on the
// network, or the facilitator will refuse it as a duplicate.
func authorizationNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(nonce[:]), nil
}

// authorizationWindow computes the validity window for a requirement.
func authorizationWindow(timeoutSeconds int) (validAfter, validBefore string) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeoutSeconds
	}
	now := time.Now().Unix()
	validAfter = strconv.FormatInt(now-clockDriftSeconds, 10)
	validBefore = strconv.FormatInt(now+int64(timeoutSeconds), 10)
	return validAfter, validBefore
}

// Package chain defines the polymorphic boundary to a blockchain family.
// One adapter exists per family (EVM-style, Ed25519-style); new families are
// added by implementing Adapter, never by runtime type inspection. Adapter
// failures are classified transient (v402.ErrChainUnavailable, retried with
// backoff) or permanent (v402.ErrChainRejected, never retried).
package chain

import (
	"context"
	"fmt"
	"math/big"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// FeeEstimate is an adapter's estimate of the settlement cost.
type FeeEstimate struct {
	// Network the estimate applies to.
	Network string

	// Currency of the fee (e.g., "wei", "lamports").
	Currency string

	// Amount is the estimated fee in Currency's atomic units.
	Amount *big.Int
}

// PreparedTx is a fully signed settlement transaction that has not yet been
// broadcast. Ref is the chain's deterministic transaction identifier, known
// before broadcast so the coordinator can persist it first and reconcile an
// ambiguous failure by querying instead of blindly resubmitting.
type PreparedTx struct {
	Network string
	Ref     string
	Raw     []byte
}

// StatusKind classifies a transaction's on-chain state.
type StatusKind int

const (
	// StatusNotFound means the chain has no knowledge of the transaction.
	StatusNotFound StatusKind = iota
	// StatusPending means the transaction is known but not yet included.
	StatusPending
	// StatusConfirmed means the transaction is included; Confirmations counts
	// blocks/slots since inclusion.
	StatusConfirmed
	// StatusFailed means the transaction was included but execution failed.
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// TxStatus is the result of polling a submitted transaction.
type TxStatus struct {
	Kind          StatusKind
	Confirmations uint64
	FailureReason string
}

// Adapter is the per-chain-family settlement boundary.
type Adapter interface {
	// NetworkType identifies the chain family this adapter serves.
	NetworkType() v402.NetworkType

	// Supports reports whether the adapter is configured for a network.
	Supports(network string) bool

	// RequiredConfirmations is the finality threshold for a network.
	RequiredConfirmations(network string) uint64

	// EstimateFee estimates the settlement cost for a requirement.
	EstimateFee(ctx context.Context, req v402.PaymentRequirement) (*FeeEstimate, error)

	// Prepare builds and signs the settlement transaction without
	// broadcasting it, returning its deterministic reference. Permanent
	// conditions (insufficient payer balance, malformed transaction) fail
	// with ErrChainRejected.
	Prepare(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*PreparedTx, error)

	// Broadcast submits a prepared transaction. Re-broadcasting the same
	// prepared bytes is idempotent: the chain deduplicates by Ref.
	Broadcast(ctx context.Context, tx *PreparedTx) error

	// Status polls a transaction by its reference.
	Status(ctx context.Context, network, ref string) (*TxStatus, error)
}

// Unavailable wraps err as a transient chain failure.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", v402.ErrChainUnavailable, err)
}

// Rejected wraps err as a permanent chain rejection.
func Rejected(err error) error {
	return fmt.Errorf("%w: %v", v402.ErrChainRejected, err)
}

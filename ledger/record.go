// Package ledger is the durable record of every payment authorization's
// lifecycle. Every state transition is persisted before it is acknowledged to
// a caller, so a restart cannot silently lose a submitted-but-unconfirmed
// payment. The settlement coordinator is the exclusive writer of record
// status; all other components read only.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// Status is a payment record's lifecycle state.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusVerified   Status = "verified"
	StatusReserved   Status = "reserved"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusConfirming Status = "confirming"

	// StatusSettled is the terminal success state.
	StatusSettled Status = "settled"

	// StatusRejected is terminal: verification failed, no nonce consumed.
	StatusRejected Status = "rejected"

	// StatusSubmissionFailed is terminal: the chain permanently rejected the
	// settlement transaction.
	StatusSubmissionFailed Status = "submission_failed"

	// StatusExpired is terminal: the validity window elapsed before submission.
	StatusExpired Status = "expired"

	// StatusSettlementTimeout marks a submitted payment that never confirmed
	// within its window. It requires manual reconciliation; the nonce stays
	// reserved since the transaction may still land on-chain, and a late
	// confirmation still promotes the record to settled.
	StatusSettlementTimeout Status = "settlement_timeout"
)

// Terminal reports whether a status permits no further coordinator-driven
// transition. StatusSettlementTimeout is not terminal: a late confirmation
// still promotes it to settled.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusRejected, StatusSubmissionFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Record is the ledger entity for one payment authorization. It embeds the
// validated requirement and payload by value; requirements are immutable so a
// snapshot is safe and avoids back-pointers.
type Record struct {
	// ID is derived deterministically from (payer, network, nonce) so that
	// duplicate submissions collide rather than settling twice.
	ID string

	Status Status

	Scheme  v402.Scheme
	Network string
	Payer   string
	PayTo   string
	Asset   string
	Amount  string
	Nonce   string

	// TransactionRef is the chain-specific transaction identifier, persisted
	// before the transaction is broadcast.
	TransactionRef string

	// Confirmations is updated by status polling.
	Confirmations uint64

	// FailureReason is populated only in failure states.
	FailureReason v402.Reason

	// Attempts counts chain submission tries, bounded by the retry policy.
	Attempts int

	// Deadline is the settlement cutoff derived from MaxTimeoutSeconds.
	Deadline time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Requirement v402.PaymentRequirement
	Payload     v402.PaymentPayload
}

// DeriveID computes the deterministic record identifier for a
// (payer, network, nonce) key.
func DeriveID(payer, network, nonce string) string {
	h := sha256.New()
	h.Write([]byte(payer))
	h.Write([]byte{0})
	h.Write([]byte(network))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

package ledger

import (
	"context"
	"errors"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// ErrAlreadyExists indicates a record with the same id is already persisted.
var ErrAlreadyExists = errors.New("ledger: record already exists")

// Store persists payment records. Transition methods are conditional writes:
// they apply only when the record is currently in an expected state and return
// false otherwise, so a stale writer can never clobber a newer transition.
type Store interface {
	// Create persists a new record. ErrAlreadyExists on id collision.
	Create(ctx context.Context, rec *Record) error

	// Get returns a record by id, v402.ErrRecordNotFound if absent.
	Get(ctx context.Context, id string) (*Record, error)

	// SetVerified marks the authorization as cryptographically verified.
	// Applies from requested.
	SetVerified(ctx context.Context, id string) (bool, error)

	// SetReserved marks the nonce reservation as held. Applies from verified.
	SetReserved(ctx context.Context, id string) (bool, error)

	// SetSubmitting records the deterministic transaction reference and the
	// attempt count before broadcast. Applies from reserved or submitting.
	SetSubmitting(ctx context.Context, id, txRef string, attempts int) (bool, error)

	// SetSubmitted marks a broadcast transaction. Applies from submitting.
	SetSubmitted(ctx context.Context, id string, attempts int) (bool, error)

	// SetConfirming updates the observed confirmation count. Applies from
	// submitted or confirming.
	SetConfirming(ctx context.Context, id string, confirmations uint64) (bool, error)

	// SetSettled finalizes the record. Applies from submitted, confirming, or
	// settlement_timeout: a settled outcome always wins over a tentative
	// timeout tag.
	SetSettled(ctx context.Context, id string, confirmations uint64) (bool, error)

	// Fail moves the record to a failure status with a reason. Applies from
	// any state that is not already terminal and not settled.
	Fail(ctx context.Context, id string, status Status, reason v402.Reason) (bool, error)

	// Reopen returns a failed record to requested with a fresh deadline so
	// the same authorization can be settled again. Applies from rejected, or
	// from submission_failed when no transaction was ever referenced.
	Reopen(ctx context.Context, id string, deadline time.Time) (bool, error)

	// ListByStatus returns all records currently in one of the given states.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Record, error)

	// ListExpired returns records still in submitting, submitted, or
	// confirming whose deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*Record, error)

	// Close releases underlying resources.
	Close() error
}

// Package nonce implements the replay-prevention store. A reservation for a
// (payer, network, nonce) key is write-once: the first settlement attempt to
// reserve the key wins, every other attempt observes ErrAlreadyReserved. This
// is the sole serialization point enforcing at-most-once settlement.
package nonce

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyReserved indicates the (payer, network, nonce) key is held by a
// prior settlement attempt.
var ErrAlreadyReserved = errors.New("nonce: already reserved")

// Reservation records a held (payer, network, nonce) key.
type Reservation struct {
	Payer      string
	Network    string
	Nonce      string
	ReservedAt time.Time
}

// Store is the atomic check-and-reserve store. Reserve must be a single
// transactional write so two concurrent attempts for the same key cannot both
// proceed to settlement.
type Store interface {
	// Reserve atomically claims the key. A second reserve for the same key
	// returns ErrAlreadyReserved, never an overwrite.
	Reserve(ctx context.Context, payer, network, nonce string, now time.Time) error

	// IsReserved reports whether the key is currently held, without claiming it.
	IsReserved(ctx context.Context, payer, network, nonce string) (bool, error)

	// Release frees a reservation. Only callable for attempts that
	// definitively failed before a transaction was broadcast.
	Release(ctx context.Context, payer, network, nonce string) error

	// ListStale returns reservations made before the cutoff, for the
	// sweeper to reconcile against the ledger.
	ListStale(ctx context.Context, before time.Time) ([]Reservation, error)

	// Close releases underlying resources.
	Close() error
}

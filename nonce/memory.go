package nonce

import (
	"context"
	"sync"
	"time"
)

type key struct {
	payer   string
	network string
	nonce   string
}

// MemoryStore is an in-process reservation store. Useful for tests and
// single-instance deployments that accept losing replay state on restart.
type MemoryStore struct {
	mu       sync.Mutex
	reserved map[key]time.Time
}

// NewMemoryStore creates an empty in-memory reservation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reserved: make(map[key]time.Time)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, payer, network, nonce string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{payer, network, nonce}
	if _, held := s.reserved[k]; held {
		return ErrAlreadyReserved
	}
	s.reserved[k] = now
	return nil
}

// IsReserved implements Store.
func (s *MemoryStore) IsReserved(_ context.Context, payer, network, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.reserved[key{payer, network, nonce}]
	return held, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, payer, network, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, key{payer, network, nonce})
	return nil
}

// ListStale implements Store.
func (s *MemoryStore) ListStale(_ context.Context, before time.Time) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reservation
	for k, at := range s.reserved {
		if at.Before(before) {
			out = append(out, Reservation{Payer: k.payer, Network: k.network, Nonce: k.nonce, ReservedAt: at})
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

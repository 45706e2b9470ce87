package ledger

import (
	"context"
	"sync"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// MemoryStore is an in-process ledger for tests and single-instance
// deployments that accept losing payment history on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, v402.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) update(id string, allowed []Status, mutate func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	for _, st := range allowed {
		if rec.Status == st {
			mutate(rec)
			rec.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// SetVerified implements Store.
func (s *MemoryStore) SetVerified(_ context.Context, id string) (bool, error) {
	return s.update(id, []Status{StatusRequested}, func(r *Record) {
		r.Status = StatusVerified
	}), nil
}

// SetReserved implements Store.
func (s *MemoryStore) SetReserved(_ context.Context, id string) (bool, error) {
	return s.update(id, []Status{StatusVerified}, func(r *Record) {
		r.Status = StatusReserved
	}), nil
}

// SetSubmitting implements Store.
func (s *MemoryStore) SetSubmitting(_ context.Context, id, txRef string, attempts int) (bool, error) {
	return s.update(id, []Status{StatusReserved, StatusSubmitting}, func(r *Record) {
		r.Status = StatusSubmitting
		r.TransactionRef = txRef
		r.Attempts = attempts
	}), nil
}

// SetSubmitted implements Store.
func (s *MemoryStore) SetSubmitted(_ context.Context, id string, attempts int) (bool, error) {
	return s.update(id, []Status{StatusSubmitting}, func(r *Record) {
		r.Status = StatusSubmitted
		r.Attempts = attempts
	}), nil
}

// SetConfirming implements Store.
func (s *MemoryStore) SetConfirming(_ context.Context, id string, confirmations uint64) (bool, error) {
	return s.update(id, []Status{StatusSubmitted, StatusConfirming}, func(r *Record) {
		r.Status = StatusConfirming
		r.Confirmations = confirmations
	}), nil
}

// SetSettled implements Store.
func (s *MemoryStore) SetSettled(_ context.Context, id string, confirmations uint64) (bool, error) {
	return s.update(id, []Status{StatusSubmitted, StatusConfirming, StatusSettlementTimeout}, func(r *Record) {
		r.Status = StatusSettled
		r.Confirmations = confirmations
		r.FailureReason = ""
	}), nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, id string, status Status, reason v402.Reason) (bool, error) {
	allowed := []Status{StatusRequested, StatusVerified, StatusReserved,
		StatusSubmitting, StatusSubmitted, StatusConfirming}
	return s.update(id, allowed, func(r *Record) {
		r.Status = status
		r.FailureReason = reason
	}), nil
}

// Reopen implements Store.
func (s *MemoryStore) Reopen(_ context.Context, id string, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	reopenable := rec.Status == StatusRejected ||
		(rec.Status == StatusSubmissionFailed && rec.TransactionRef == "")
	if !reopenable {
		return false, nil
	}
	rec.Status = StatusRequested
	rec.FailureReason = ""
	rec.Attempts = 0
	rec.Deadline = deadline
	rec.UpdatedAt = time.Now()
	return true, nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		for _, st := range statuses {
			if rec.Status == st {
				cp := *rec
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// ListExpired implements Store.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		switch rec.Status {
		case StatusSubmitting, StatusSubmitted, StatusConfirming:
			if rec.Deadline.Before(now) {
				cp := *rec
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

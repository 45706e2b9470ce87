package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite ledger: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func newRecord(id string, deadline time.Time) *Record {
	now := time.Now()
	return &Record{
		ID:      id,
		Status:  StatusReserved,
		Scheme:  v402.SchemeExact,
		Network: "base",
		Payer:   "0x1111111111111111111111111111111111111111",
		PayTo:   "0x2222222222222222222222222222222222222222",
		Asset:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:  "1000",
		Nonce:   "0x01",
		Deadline:  deadline,
		CreatedAt: now,
		UpdatedAt: now,
		Requirement: v402.PaymentRequirement{
			Scheme:            v402.SchemeExact,
			Network:           "base",
			MaxAmountRequired: "1000",
			MaxTimeoutSeconds: 300,
		},
		Payload: v402.PaymentPayload{V402Version: 1, Scheme: v402.SchemeExact, Network: "base"},
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID("payer", "base", "nonce")
	b := DeriveID("payer", "base", "nonce")
	if a != b {
		t.Error("DeriveID must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("id length = %d, want 64 hex chars", len(a))
	}

	// Field boundaries matter: ("ab", "c") and ("a", "bc") must not collide.
	if DeriveID("ab", "c", "n") == DeriveID("a", "bc", "n") {
		t.Error("field boundary collision")
	}
	if DeriveID("p", "base", "n1") == DeriveID("p", "base", "n2") {
		t.Error("different nonces must produce different ids")
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(DeriveID("p", "base", "n"), time.Now().Add(time.Hour))

			if err := store.Create(ctx, rec); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, rec); !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
			}

			got, err := store.Get(ctx, rec.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusReserved || got.Amount != "1000" || got.Network != "base" {
				t.Errorf("record mismatch: %+v", got)
			}
			if got.Requirement.MaxAmountRequired != "1000" {
				t.Errorf("requirement snapshot lost: %+v", got.Requirement)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, v402.ErrRecordNotFound) {
				t.Errorf("missing get = %v, want ErrRecordNotFound", err)
			}
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(DeriveID("p2", "base", "n"), time.Now().Add(time.Hour))
			if err := store.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}

			ok, err := store.SetSubmitting(ctx, rec.ID, "0xtxhash", 1)
			if err != nil || !ok {
				t.Fatalf("SetSubmitting = %v, %v", ok, err)
			}
			// Re-entry into submitting with a fresh attempt is allowed.
			ok, _ = store.SetSubmitting(ctx, rec.ID, "0xtxhash2", 2)
			if !ok {
				t.Fatal("SetSubmitting retry should apply")
			}

			ok, _ = store.SetSubmitted(ctx, rec.ID, 2)
			if !ok {
				t.Fatal("SetSubmitted should apply from submitting")
			}
			// Submitted is not re-enterable.
			ok, _ = store.SetSubmitted(ctx, rec.ID, 3)
			if ok {
				t.Error("SetSubmitted applied twice")
			}

			ok, _ = store.SetConfirming(ctx, rec.ID, 1)
			if !ok {
				t.Fatal("SetConfirming should apply from submitted")
			}
			ok, _ = store.SetSettled(ctx, rec.ID, 2)
			if !ok {
				t.Fatal("SetSettled should apply from confirming")
			}

			got, _ := store.Get(ctx, rec.ID)
			if got.Status != StatusSettled || got.Confirmations != 2 || got.Attempts != 2 {
				t.Errorf("final record: %+v", got)
			}
			if got.TransactionRef != "0xtxhash2" {
				t.Errorf("txRef = %q", got.TransactionRef)
			}

			// Settled is terminal: no failure may overwrite it.
			ok, _ = store.Fail(ctx, rec.ID, StatusSettlementTimeout, v402.ReasonSettlementTimeout)
			if ok {
				t.Error("Fail overwrote a settled record")
			}
		})
	}
}

func TestVerifiedAndReservedTransitions(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(DeriveID("p8", "base", "n"), time.Now().Add(time.Hour))
			rec.Status = StatusRequested
			if err := store.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}

			// Reserved requires verified first.
			ok, _ := store.SetReserved(ctx, rec.ID)
			if ok {
				t.Error("SetReserved applied from requested")
			}

			ok, err := store.SetVerified(ctx, rec.ID)
			if err != nil || !ok {
				t.Fatalf("SetVerified = %v, %v", ok, err)
			}
			ok, _ = store.SetVerified(ctx, rec.ID)
			if ok {
				t.Error("SetVerified applied twice")
			}

			ok, _ = store.SetReserved(ctx, rec.ID)
			if !ok {
				t.Fatal("SetReserved should apply from verified")
			}

			got, _ := store.Get(ctx, rec.ID)
			if got.Status != StatusReserved {
				t.Errorf("status = %s, want reserved", got.Status)
			}
		})
	}
}

func TestReopen(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rejected := newRecord(DeriveID("p9", "base", "n1"), time.Now().Add(time.Hour))
			rejected.Status = StatusRejected
			rejected.FailureReason = v402.ReasonSignatureInvalid
			if err := store.Create(ctx, rejected); err != nil {
				t.Fatal(err)
			}
			ok, err := store.Reopen(ctx, rejected.ID, time.Now().Add(time.Hour))
			if err != nil || !ok {
				t.Fatalf("Reopen rejected = %v, %v", ok, err)
			}
			got, _ := store.Get(ctx, rejected.ID)
			if got.Status != StatusRequested || got.FailureReason != "" {
				t.Errorf("reopened record: %+v", got)
			}

			// A submission failure that referenced a transaction stays closed.
			withTx := newRecord(DeriveID("p9", "base", "n2"), time.Now().Add(time.Hour))
			withTx.Status = StatusSubmissionFailed
			withTx.TransactionRef = "0xdeadbeef"
			if err := store.Create(ctx, withTx); err != nil {
				t.Fatal(err)
			}
			if ok, _ := store.Reopen(ctx, withTx.ID, time.Now().Add(time.Hour)); ok {
				t.Error("Reopen applied to a submission failure with a tx ref")
			}

			settled := newRecord(DeriveID("p9", "base", "n3"), time.Now().Add(time.Hour))
			settled.Status = StatusSettled
			if err := store.Create(ctx, settled); err != nil {
				t.Fatal(err)
			}
			if ok, _ := store.Reopen(ctx, settled.ID, time.Now().Add(time.Hour)); ok {
				t.Error("Reopen applied to a settled record")
			}
		})
	}
}

func TestSettledWinsOverTimeout(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(DeriveID("p3", "base", "n"), time.Now().Add(-time.Minute))
			if err := store.Create(ctx, rec); err != nil {
				t.Fatal(err)
			}
			store.SetSubmitting(ctx, rec.ID, "0xtx", 1)
			store.SetSubmitted(ctx, rec.ID, 1)
			store.SetConfirming(ctx, rec.ID, 0)

			// Sweep tags the overdue record.
			ok, _ := store.Fail(ctx, rec.ID, StatusSettlementTimeout, v402.ReasonSettlementTimeout)
			if !ok {
				t.Fatal("timeout tag should apply to confirming record")
			}

			// A late confirmation still promotes to settled.
			ok, _ = store.SetSettled(ctx, rec.ID, 3)
			if !ok {
				t.Fatal("settled must win over settlement_timeout")
			}
			got, _ := store.Get(ctx, rec.ID)
			if got.Status != StatusSettled || got.FailureReason != "" {
				t.Errorf("record after late settle: %+v", got)
			}
		})
	}
}

func TestListExpired(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			overdue := newRecord(DeriveID("p4", "base", "n1"), time.Now().Add(-time.Minute))
			if err := store.Create(ctx, overdue); err != nil {
				t.Fatal(err)
			}
			store.SetSubmitting(ctx, overdue.ID, "0xa", 1)
			store.SetSubmitted(ctx, overdue.ID, 1)
			store.SetConfirming(ctx, overdue.ID, 0)

			fresh := newRecord(DeriveID("p4", "base", "n2"), time.Now().Add(time.Hour))
			if err := store.Create(ctx, fresh); err != nil {
				t.Fatal(err)
			}
			store.SetSubmitting(ctx, fresh.ID, "0xb", 1)

			// Reserved records past deadline are not swept; only in-flight ones.
			reserved := newRecord(DeriveID("p4", "base", "n3"), time.Now().Add(-time.Minute))
			if err := store.Create(ctx, reserved); err != nil {
				t.Fatal(err)
			}

			expired, err := store.ListExpired(ctx, time.Now())
			if err != nil {
				t.Fatalf("ListExpired: %v", err)
			}
			if len(expired) != 1 || expired[0].ID != overdue.ID {
				t.Errorf("expired = %+v, want only the overdue confirming record", expired)
			}
		})
	}
}

func TestListByStatus(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newRecord(DeriveID("p5", "base", "n1"), time.Now().Add(time.Hour))
			b := newRecord(DeriveID("p5", "base", "n2"), time.Now().Add(time.Hour))
			if err := store.Create(ctx, a); err != nil {
				t.Fatal(err)
			}
			if err := store.Create(ctx, b); err != nil {
				t.Fatal(err)
			}
			store.SetSubmitting(ctx, b.ID, "0xtx", 1)
			store.SetSubmitted(ctx, b.ID, 1)

			inflight, err := store.ListByStatus(ctx, StatusSubmitting, StatusSubmitted, StatusConfirming)
			if err != nil {
				t.Fatalf("ListByStatus: %v", err)
			}
			if len(inflight) != 1 || inflight[0].ID != b.ID {
				t.Errorf("inflight = %+v", inflight)
			}
		})
	}
}

// Package settle drives payment authorizations through their lifecycle:
// verification, nonce reservation, chain submission, confirmation tracking,
// and durable recording. The coordinator is the only writer of payment
// status; every transition is persisted before it is acknowledged.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
	"github.com/Dream-Voyage/v402-sub000/ledger"
	"github.com/Dream-Voyage/v402-sub000/nonce"
	"github.com/Dream-Voyage/v402-sub000/retry"
	"github.com/Dream-Voyage/v402-sub000/verify"
)

// Coordinator orchestrates verification and settlement. Same-id calls are
// serialized on a per-payment lock; the at-most-once guarantee itself rests
// on the nonce store's atomic reserve, not on the lock.
type Coordinator struct {
	verifier *verify.Verifier
	nonces   nonce.Store
	records  ledger.Store
	chains   *chain.Registry
	retry    retry.Config
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	// pollInterval paces confirmation polling during a synchronous settle.
	pollInterval time.Duration

	locks *keyedMutex
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator) error

// NewCoordinator creates a Coordinator. A verifier, nonce store, ledger, and
// chain registry are required.
func NewCoordinator(opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		retry:        retry.DefaultConfig,
		now:          time.Now,
		pollInterval: 2 * time.Second,
		locks:        newKeyedMutex(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	// Validation
	if c.verifier == nil {
		return nil, errors.New("settle: verifier is required")
	}
	if c.nonces == nil {
		return nil, errors.New("settle: nonce store is required")
	}
	if c.records == nil {
		return nil, errors.New("settle: ledger is required")
	}
	if c.chains == nil {
		return nil, errors.New("settle: chain registry is required")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.notifier == nil {
		c.notifier = NewLogNotifier(c.logger)
	}
	return c, nil
}

// WithVerifier sets the payment verifier.
func WithVerifier(v *verify.Verifier) CoordinatorOption {
	return func(c *Coordinator) error {
		c.verifier = v
		return nil
	}
}

// WithNonceStore sets the replay-protection store.
func WithNonceStore(s nonce.Store) CoordinatorOption {
	return func(c *Coordinator) error {
		c.nonces = s
		return nil
	}
}

// WithLedger sets the payment record store.
func WithLedger(s ledger.Store) CoordinatorOption {
	return func(c *Coordinator) error {
		c.records = s
		return nil
	}
}

// WithChains sets the chain adapter registry.
func WithChains(r *chain.Registry) CoordinatorOption {
	return func(c *Coordinator) error {
		c.chains = r
		return nil
	}
}

// WithRetryConfig sets the submission retry policy.
func WithRetryConfig(config retry.Config) CoordinatorOption {
	return func(c *Coordinator) error {
		c.retry = config
		return nil
	}
}

// WithNotifier sets the settlement outcome notifier.
func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) error {
		c.notifier = n
		return nil
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) error {
		c.logger = logger
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) error {
		c.now = now
		return nil
	}
}

// WithPollInterval sets the confirmation polling cadence.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) error {
		c.pollInterval = d
		return nil
	}
}

// paymentIdentity extracts the replay key (payer, nonce) a payload declares,
// without authenticating it. The derived record id collides for duplicate
// submissions whether or not they are genuine.
func paymentIdentity(payment v402.PaymentPayload) (payer, nonceValue string, err error) {
	config, err := v402.LookupChain(payment.Network)
	if err != nil {
		return "", "", err
	}
	switch config.Type {
	case v402.NetworkTypeEVM:
		p, err := payment.EVM()
		if err != nil {
			return "", "", err
		}
		return p.Authorization.From, p.Authorization.Nonce, nil
	case v402.NetworkTypeSVM:
		p, err := payment.SVM()
		if err != nil {
			return "", "", err
		}
		return p.Authorization.From, p.Authorization.Nonce, nil
	default:
		return "", "", fmt.Errorf("%w: %s", v402.ErrUnsupportedNetwork, payment.Network)
	}
}

// Verify checks a payment against a requirement without settling it. The
// check is read-only: no nonce is consumed, no record is written, so a
// verified payment can still lose the settlement race later.
func (c *Coordinator) Verify(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*v402.VerifyResponse, error) {
	verified, err := c.verifier.Verify(payment, req)
	if err != nil {
		return &v402.VerifyResponse{
			IsValid:       false,
			InvalidReason: v402.ReasonForError(err),
		}, nil
	}

	_, nonceValue, err := paymentIdentity(payment)
	if err != nil {
		return &v402.VerifyResponse{
			IsValid:       false,
			InvalidReason: v402.ReasonForError(err),
		}, nil
	}
	id := ledger.DeriveID(verified.Payer, payment.Network, nonceValue)

	reserved, err := c.nonces.IsReserved(ctx, verified.Payer, payment.Network, nonceValue)
	if err != nil {
		return nil, fmt.Errorf("check nonce: %w", err)
	}
	if reserved {
		return &v402.VerifyResponse{
			IsValid:       false,
			InvalidReason: v402.ReasonDuplicateAuthorization,
			Payer:         verified.Payer,
			PaymentID:     id,
		}, nil
	}

	return &v402.VerifyResponse{
		IsValid:   true,
		Payer:     verified.Payer,
		PaymentID: id,
	}, nil
}

// Settle verifies a payment, reserves its nonce, submits the settlement
// transaction, and waits for the network's confirmation threshold or the
// requirement's deadline, whichever comes first. Settling an authorization
// that already has a record returns that record's outcome instead of acting
// again.
func (c *Coordinator) Settle(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*v402.SettlementResponse, error) {
	payer, nonceValue, err := paymentIdentity(payment)
	if err != nil {
		return &v402.SettlementResponse{
			Success:     false,
			ErrorReason: v402.ReasonForError(err),
			Network:     payment.Network,
		}, nil
	}
	id := ledger.DeriveID(payer, payment.Network, nonceValue)

	unlock := c.locks.Lock(id)
	defer unlock()

	now := c.now()
	deadline := now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second)

	existing, err := c.records.Get(ctx, id)
	switch {
	case err == nil:
		// A rejected or never-broadcast authorization may be retried; any
		// other prior outcome is returned as-is.
		reopenable := existing.Status == ledger.StatusRejected ||
			(existing.Status == ledger.StatusSubmissionFailed && existing.TransactionRef == "")
		if !reopenable {
			return c.respond(existing), nil
		}
		if ok, err := c.records.Reopen(ctx, id, deadline); err != nil || !ok {
			if err != nil {
				return nil, fmt.Errorf("reopen record: %w", err)
			}
			rec, getErr := c.records.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return c.respond(rec), nil
		}
	case errors.Is(err, v402.ErrRecordNotFound):
		rec := &ledger.Record{
			ID:          id,
			Status:      ledger.StatusRequested,
			Scheme:      payment.Scheme,
			Network:     payment.Network,
			Payer:       payer,
			PayTo:       req.PayTo,
			Asset:       req.Asset,
			Amount:      req.MaxAmountRequired,
			Nonce:       nonceValue,
			Deadline:    deadline,
			CreatedAt:   now,
			UpdatedAt:   now,
			Requirement: req,
			Payload:     payment,
		}
		if err := c.records.Create(ctx, rec); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				// Lost a create race with another instance sharing the ledger.
				if existing, err := c.records.Get(ctx, id); err == nil {
					return c.respond(existing), nil
				}
			}
			return nil, fmt.Errorf("create record: %w", err)
		}
	default:
		return nil, fmt.Errorf("load record: %w", err)
	}

	verified, err := c.verifier.Verify(payment, req)
	if err != nil {
		return c.fail(ctx, id, ledger.StatusRejected, v402.ReasonForError(err)), nil
	}
	if _, err := c.records.SetVerified(ctx, id); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}

	// The write-once reserve is the at-most-once gate: whoever claims the
	// key settles, everyone else is a duplicate.
	if err := c.nonces.Reserve(ctx, verified.Payer, payment.Network, nonceValue, now); err != nil {
		if errors.Is(err, nonce.ErrAlreadyReserved) {
			return c.fail(ctx, id, ledger.StatusRejected, v402.ReasonDuplicateAuthorization), nil
		}
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}
	if _, err := c.records.SetReserved(ctx, id); err != nil {
		return nil, fmt.Errorf("mark reserved: %w", err)
	}

	adapter, err := c.chains.For(payment.Network)
	if err != nil {
		c.releaseNonce(ctx, verified.Payer, payment.Network, nonceValue)
		return c.fail(ctx, id, ledger.StatusRejected, v402.ReasonForError(err)), nil
	}

	settleCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	outcome := c.submit(settleCtx, adapter, payment, req, id)
	switch {
	case outcome.err == nil:
		// Broadcast succeeded; fall through to confirmation tracking.
	case outcome.uncertain:
		// The transaction may have reached the network. The record stays in
		// submitting with its reference persisted; the sweeper reconciles it.
		c.logger.WarnContext(ctx, "settlement outcome uncertain after broadcast",
			"payment_id", id, "tx", outcome.ref, "error", outcome.err)
		rec, _ := c.records.Get(ctx, id)
		if rec != nil {
			return c.respond(rec), nil
		}
		return &v402.SettlementResponse{
			Success:     false,
			Status:      string(ledger.StatusSubmitting),
			PaymentID:   id,
			ErrorReason: v402.ReasonChainUnavailable,
			Network:     payment.Network,
		}, nil
	default:
		// Nothing reached the chain: safe to free the authorization for a
		// future retry by the payer. Clearing the reference marks the record
		// as never broadcast, which is what makes it reopenable.
		if _, err := c.records.SetSubmitting(ctx, id, "", outcome.attempts); err != nil {
			c.logger.ErrorContext(ctx, "clear transaction reference", "payment_id", id, "error", err)
		}
		c.releaseNonce(ctx, verified.Payer, payment.Network, nonceValue)
		return c.fail(ctx, id, ledger.StatusSubmissionFailed, v402.ReasonForError(outcome.err)), nil
	}

	if _, err := c.records.SetSubmitted(ctx, id, outcome.attempts); err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}

	final, err := c.awaitConfirmation(settleCtx, adapter, id, payment.Network, outcome.ref)
	if err != nil {
		// Deadline or cancellation while the transaction is in flight.
		if applied, _ := c.records.Fail(ctx, id, ledger.StatusSettlementTimeout, v402.ReasonSettlementTimeout); applied {
			if rec, err := c.records.Get(ctx, id); err == nil {
				c.notifier.PaymentFailed(ctx, rec)
			}
		}
		rec, getErr := c.records.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return c.respond(rec), nil
	}
	return c.respond(final), nil
}

// submitOutcome reports how a submission attempt ended. uncertain means a
// broadcast was attempted and its fate could not be determined.
type submitOutcome struct {
	ref       string
	attempts  int
	err       error
	uncertain bool
}

// submit prepares, persists, and broadcasts the settlement transaction with
// bounded retries. The transaction reference is written to the ledger before
// every broadcast so a crash never leaves an untracked transaction.
func (c *Coordinator) submit(ctx context.Context, adapter chain.Adapter, payment v402.PaymentPayload, req v402.PaymentRequirement, id string) submitOutcome {
	var attempts int
	var uncertain bool

	ref, err := retry.WithRetry(ctx, c.retry, retry.Transient, func(attempt int) (string, error) {
		attempts = attempt

		prepared, err := adapter.Prepare(ctx, payment, req)
		if err != nil {
			return "", err
		}
		if ok, err := c.records.SetSubmitting(ctx, id, prepared.Ref, attempt); err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("record %s left submitting state", id)
			}
			return "", err
		}

		if err := adapter.Broadcast(ctx, prepared); err != nil {
			// An errored broadcast may still have reached the network. Only
			// a definitive not-found makes retrying safe.
			status, statusErr := adapter.Status(ctx, payment.Network, prepared.Ref)
			if statusErr == nil && status.Kind != chain.StatusNotFound {
				return prepared.Ref, nil
			}
			if statusErr != nil {
				uncertain = true
			}
			return "", err
		}
		return prepared.Ref, nil
	})

	if err != nil {
		return submitOutcome{attempts: attempts, err: err, uncertain: uncertain}
	}
	return submitOutcome{ref: ref, attempts: attempts}
}

// awaitConfirmation polls the transaction until it reaches the network's
// confirmation threshold, fails on chain, or ctx expires.
func (c *Coordinator) awaitConfirmation(ctx context.Context, adapter chain.Adapter, id, network, ref string) (*ledger.Record, error) {
	required := adapter.RequiredConfirmations(network)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := adapter.Status(ctx, network, ref)
		if err == nil {
			switch status.Kind {
			case chain.StatusConfirmed:
				if status.Confirmations >= required {
					if _, err := c.records.SetSettled(ctx, id, status.Confirmations); err != nil {
						return nil, err
					}
					rec, err := c.records.Get(ctx, id)
					if err != nil {
						return nil, err
					}
					c.notifier.PaymentSettled(ctx, rec)
					return rec, nil
				}
				if _, err := c.records.SetConfirming(ctx, id, status.Confirmations); err != nil {
					return nil, err
				}
			case chain.StatusFailed:
				// Included but reverted. The on-chain nonce was not consumed,
				// but the reservation is kept: releasing it based on a revert
				// we may have misread risks a double spend.
				if applied, _ := c.records.Fail(ctx, id, ledger.StatusSubmissionFailed, v402.ReasonChainRejected); applied {
					rec, err := c.records.Get(ctx, id)
					if err != nil {
						return nil, err
					}
					c.notifier.PaymentFailed(ctx, rec)
					return rec, nil
				}
			}
		} else if !errors.Is(err, v402.ErrChainUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fail marks the record failed and returns the response for it.
func (c *Coordinator) fail(ctx context.Context, id string, status ledger.Status, reason v402.Reason) *v402.SettlementResponse {
	if applied, err := c.records.Fail(ctx, id, status, reason); err != nil {
		c.logger.ErrorContext(ctx, "record failure transition",
			"payment_id", id, "status", status, "error", err)
	} else if applied {
		if rec, err := c.records.Get(ctx, id); err == nil {
			c.notifier.PaymentFailed(ctx, rec)
		}
	}
	rec, err := c.records.Get(ctx, id)
	if err != nil {
		return &v402.SettlementResponse{
			Success:     false,
			Status:      string(status),
			PaymentID:   id,
			ErrorReason: reason,
		}
	}
	return c.respond(rec)
}

func (c *Coordinator) releaseNonce(ctx context.Context, payer, network, nonceValue string) {
	if err := c.nonces.Release(ctx, payer, network, nonceValue); err != nil {
		c.logger.ErrorContext(ctx, "release nonce reservation",
			"payer", payer, "network", network, "error", err)
	}
}

// respond maps a ledger record to the wire response.
func (c *Coordinator) respond(rec *ledger.Record) *v402.SettlementResponse {
	resp := &v402.SettlementResponse{
		Success:       rec.Status == ledger.StatusSettled,
		Status:        string(rec.Status),
		PaymentID:     rec.ID,
		Transaction:   rec.TransactionRef,
		Confirmations: rec.Confirmations,
		Network:       rec.Network,
		Payer:         rec.Payer,
	}
	if !resp.Success {
		resp.ErrorReason = rec.FailureReason
	}
	return resp
}

// Status returns the current record for a payment id.
func (c *Coordinator) Status(ctx context.Context, id string) (*ledger.Record, error) {
	return c.records.Get(ctx, id)
}

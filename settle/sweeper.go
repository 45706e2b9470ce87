package settle

import (
	"context"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/chain"
	"github.com/Dream-Voyage/v402-sub000/ledger"
)

// staleReservationAge is how long a nonce reservation may sit without a
// settled or in-flight record before the sweeper reconsiders it.
const staleReservationAge = time.Hour

// Run executes the background sweep loop until ctx is cancelled. The sweep
// reconciles in-flight records against the chain, times out records past
// their deadline, and releases orphaned nonce reservations.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.reconcileInFlight(ctx)
	c.expireOverdue(ctx)
	c.reconcileReservations(ctx)
}

// Recover reconciles records left in flight by a previous process. It is
// called once on startup, before serving traffic, so a crash between
// persisting a transaction reference and observing its outcome never
// resubmits a payment blindly.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.records.ListByStatus(ctx,
		ledger.StatusSubmitting, ledger.StatusSubmitted, ledger.StatusConfirming)
	if err != nil {
		return err
	}
	for _, rec := range records {
		c.reconcileRecord(ctx, rec)
	}
	return nil
}

func (c *Coordinator) reconcileInFlight(ctx context.Context) {
	records, err := c.records.ListByStatus(ctx,
		ledger.StatusSubmitting, ledger.StatusSubmitted, ledger.StatusConfirming,
		ledger.StatusSettlementTimeout)
	if err != nil {
		c.logger.ErrorContext(ctx, "list in-flight records", "error", err)
		return
	}
	for _, rec := range records {
		c.reconcileRecord(ctx, rec)
	}
}

// reconcileRecord drives one record toward a final state from the chain's
// point of view. Chain unavailability skips the record; the next sweep
// retries.
func (c *Coordinator) reconcileRecord(ctx context.Context, rec *ledger.Record) {
	unlock := c.locks.Lock(rec.ID)
	defer unlock()

	if rec.TransactionRef == "" {
		// Never reached the point of preparing a transaction. Nothing can
		// land on chain, so the authorization is safe to free.
		if applied, _ := c.records.Fail(ctx, rec.ID, ledger.StatusSubmissionFailed, v402.ReasonInternalError); applied {
			c.releaseNonce(ctx, rec.Payer, rec.Network, rec.Nonce)
			c.notifyFailed(ctx, rec.ID)
		}
		return
	}

	adapter, err := c.chains.For(rec.Network)
	if err != nil {
		c.logger.ErrorContext(ctx, "no adapter for record",
			"payment_id", rec.ID, "network", rec.Network, "error", err)
		return
	}

	status, err := adapter.Status(ctx, rec.Network, rec.TransactionRef)
	if err != nil {
		c.logger.WarnContext(ctx, "status poll failed",
			"payment_id", rec.ID, "tx", rec.TransactionRef, "error", err)
		return
	}

	switch status.Kind {
	case chain.StatusConfirmed:
		if rec.Status == ledger.StatusSubmitting {
			if _, err := c.records.SetSubmitted(ctx, rec.ID, rec.Attempts); err != nil {
				return
			}
		}
		required := adapter.RequiredConfirmations(rec.Network)
		if status.Confirmations >= required {
			if applied, _ := c.records.SetSettled(ctx, rec.ID, status.Confirmations); applied {
				if settled, err := c.records.Get(ctx, rec.ID); err == nil {
					c.notifier.PaymentSettled(ctx, settled)
				}
			}
			return
		}
		if _, err := c.records.SetConfirming(ctx, rec.ID, status.Confirmations); err != nil {
			c.logger.ErrorContext(ctx, "mark confirming", "payment_id", rec.ID, "error", err)
		}

	case chain.StatusFailed:
		if applied, _ := c.records.Fail(ctx, rec.ID, ledger.StatusSubmissionFailed, v402.ReasonChainRejected); applied {
			c.notifyFailed(ctx, rec.ID)
		}

	case chain.StatusPending:
		if rec.Status == ledger.StatusSubmitting {
			if _, err := c.records.SetSubmitted(ctx, rec.ID, rec.Attempts); err != nil {
				c.logger.ErrorContext(ctx, "mark submitted", "payment_id", rec.ID, "error", err)
			}
		}

	case chain.StatusNotFound:
		// The chain has never seen the transaction. Once the authorization
		// window is past, it can no longer land, so a still-submitting
		// record is a failed submission and the nonce can be freed.
		if rec.Status == ledger.StatusSubmitting && c.now().After(rec.Deadline) {
			if applied, _ := c.records.Fail(ctx, rec.ID, ledger.StatusSubmissionFailed, v402.ReasonChainUnavailable); applied {
				c.releaseNonce(ctx, rec.Payer, rec.Network, rec.Nonce)
				c.notifyFailed(ctx, rec.ID)
			}
		}
	}
}

// expireOverdue times out records whose deadline has passed. Post-submission
// records get a tentative settlement_timeout tag: a later sweep that observes
// a confirmation still promotes them to settled. Pre-submission records are
// orphans of a crashed settle call; nothing reached the chain, so they
// expire outright and their reservation is freed.
func (c *Coordinator) expireOverdue(ctx context.Context) {
	expired, err := c.records.ListExpired(ctx, c.now())
	if err != nil {
		c.logger.ErrorContext(ctx, "list expired records", "error", err)
		return
	}
	for _, rec := range expired {
		unlock := c.locks.Lock(rec.ID)
		if applied, _ := c.records.Fail(ctx, rec.ID, ledger.StatusSettlementTimeout, v402.ReasonSettlementTimeout); applied {
			c.notifyFailed(ctx, rec.ID)
		}
		unlock()
	}

	orphans, err := c.records.ListByStatus(ctx,
		ledger.StatusRequested, ledger.StatusVerified, ledger.StatusReserved)
	if err != nil {
		c.logger.ErrorContext(ctx, "list pre-submission records", "error", err)
		return
	}
	now := c.now()
	for _, rec := range orphans {
		if !rec.Deadline.Before(now) {
			continue
		}
		unlock := c.locks.Lock(rec.ID)
		if applied, _ := c.records.Fail(ctx, rec.ID, ledger.StatusExpired, v402.ReasonAuthorizationExpired); applied {
			if rec.Status == ledger.StatusReserved {
				c.releaseNonce(ctx, rec.Payer, rec.Network, rec.Nonce)
			}
			c.notifyFailed(ctx, rec.ID)
		}
		unlock()
	}
}

// reconcileReservations releases nonce reservations held by records that
// terminally failed without any transaction reaching the chain. A
// reservation with no record at all is left alone: it may belong to a settle
// call that is still between reserve and create on another instance.
func (c *Coordinator) reconcileReservations(ctx context.Context) {
	stale, err := c.nonces.ListStale(ctx, c.now().Add(-staleReservationAge))
	if err != nil {
		c.logger.ErrorContext(ctx, "list stale reservations", "error", err)
		return
	}
	for _, res := range stale {
		id := ledger.DeriveID(res.Payer, res.Network, res.Nonce)
		rec, err := c.records.Get(ctx, id)
		if err != nil {
			continue
		}
		switch rec.Status {
		case ledger.StatusRejected:
			// Rejected before any submission: nothing on chain holds this key.
			c.releaseNonce(ctx, res.Payer, res.Network, res.Nonce)
		case ledger.StatusSubmissionFailed:
			if rec.TransactionRef == "" {
				c.releaseNonce(ctx, res.Payer, res.Network, res.Nonce)
			}
		}
	}
}

func (c *Coordinator) notifyFailed(ctx context.Context, id string) {
	if rec, err := c.records.Get(ctx, id); err == nil {
		c.notifier.PaymentFailed(ctx, rec)
	}
}

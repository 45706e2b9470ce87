// Package verify checks payment authorizations without touching the network.
// Verification is deterministic: the same payload, requirement, and clock
// always produce the same outcome, so results are safe to cache and trivial
// to test.
package verify

import (
	"fmt"
	"math/big"
	"time"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/validation"
)

// PriceQuoter supplies the current price for dynamic-scheme requirements.
// Implementations must be deterministic for a given requirement while a
// verification is in flight.
type PriceQuoter interface {
	Quote(req v402.PaymentRequirement) (*big.Int, error)
}

// QuoterFunc adapts a function to the PriceQuoter interface.
type QuoterFunc func(req v402.PaymentRequirement) (*big.Int, error)

// Quote implements PriceQuoter.
func (f QuoterFunc) Quote(req v402.PaymentRequirement) (*big.Int, error) {
	return f(req)
}

// Verifier validates signed payment authorizations against requirements.
type Verifier struct {
	now    func() time.Time
	quoter PriceQuoter
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier) error

// NewVerifier creates a new Verifier with the given options.
func NewVerifier(opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) error {
		v.now = now
		return nil
	}
}

// WithQuoter sets the price source for dynamic-scheme requirements.
func WithQuoter(quoter PriceQuoter) VerifierOption {
	return func(v *Verifier) error {
		v.quoter = quoter
		return nil
	}
}

// authorization is the chain-neutral view of a signed payment authorization.
type authorization struct {
	from        string
	to          string
	value       *big.Int
	validAfter  int64
	validBefore int64
	nonce       string
}

// Verify checks payment against req and returns the authenticated payer.
// Failures are reported as sentinel-wrapped errors; callers map them to wire
// reasons with v402.ReasonForError.
func (v *Verifier) Verify(payment v402.PaymentPayload, req v402.PaymentRequirement) (*v402.VerifiedPayer, error) {
	if err := validation.ValidatePaymentRequirement(req); err != nil {
		return nil, err
	}
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return nil, err
	}

	if payment.Scheme != req.Scheme {
		return nil, fmt.Errorf("%w: payload scheme %q does not match requirement %q",
			v402.ErrUnsupportedScheme, payment.Scheme, req.Scheme)
	}
	if payment.Network != req.Network {
		return nil, fmt.Errorf("%w: payload network %q does not match requirement %q",
			v402.ErrUnsupportedNetwork, payment.Network, req.Network)
	}

	config, err := v402.LookupChain(req.Network)
	if err != nil {
		return nil, err
	}

	var auth *authorization
	var checkSignature func() error
	switch config.Type {
	case v402.NetworkTypeEVM:
		auth, checkSignature, err = parseEVM(payment, req, config)
	case v402.NetworkTypeSVM:
		auth, checkSignature, err = parseSVM(payment, req)
	default:
		err = fmt.Errorf("%w: %s", v402.ErrUnsupportedNetwork, req.Network)
	}
	if err != nil {
		return nil, err
	}

	// Amount, then window, then signature. The reported reason names the
	// first rule the payload breaks, so an expired authorization is
	// reported as expired even when its signature is also bad.
	if err := v.checkAmount(auth.value, req); err != nil {
		return nil, err
	}
	if err := v.checkWindow(auth); err != nil {
		return nil, err
	}
	if err := checkSignature(); err != nil {
		return nil, err
	}

	return &v402.VerifiedPayer{
		Payer:   auth.from,
		Network: req.Network,
	}, nil
}

// checkAmount enforces the scheme's amount rule.
func (v *Verifier) checkAmount(value *big.Int, req v402.PaymentRequirement) error {
	required, err := v402.ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil {
		return fmt.Errorf("%w: maxAmountRequired: %v", v402.ErrInvalidRequirement, err)
	}
	if value.Sign() <= 0 {
		return fmt.Errorf("%w: authorized value must be positive", v402.ErrInvalidAmount)
	}

	switch req.Scheme {
	case v402.SchemeExact:
		if value.Cmp(required) != 0 {
			return fmt.Errorf("%w: authorized %s, required exactly %s", v402.ErrInsufficientAmount, value, required)
		}
	case v402.SchemeUpTo:
		if value.Cmp(required) > 0 {
			return fmt.Errorf("%w: authorized %s exceeds ceiling %s", v402.ErrInsufficientAmount, value, required)
		}
	case v402.SchemeDynamic:
		if v.quoter == nil {
			return fmt.Errorf("%w: no price source configured for dynamic scheme", v402.ErrInvalidRequirement)
		}
		price, err := v.quoter.Quote(req)
		if err != nil {
			return fmt.Errorf("quote price: %w", err)
		}
		if price.Cmp(required) > 0 {
			return fmt.Errorf("%w: quoted price %s exceeds ceiling %s", v402.ErrInvalidRequirement, price, required)
		}
		// The authorized value must match the recomputed price with zero
		// tolerance; overpayments are rejected like underpayments.
		if value.Cmp(price) != 0 {
			return fmt.Errorf("%w: authorized %s, quoted price %s", v402.ErrInsufficientAmount, value, price)
		}
	default:
		return fmt.Errorf("%w: %s", v402.ErrUnsupportedScheme, req.Scheme)
	}
	return nil
}

// checkWindow enforces the authorization's validity window against the
// injected clock.
func (v *Verifier) checkWindow(auth *authorization) error {
	if auth.validAfter >= auth.validBefore {
		return fmt.Errorf("%w: validAfter %d is not before validBefore %d",
			v402.ErrMalformedPayload, auth.validAfter, auth.validBefore)
	}
	now := v.now().Unix()
	if now < auth.validAfter {
		return fmt.Errorf("%w: valid from %d, now %d", v402.ErrAuthorizationNotYetValid, auth.validAfter, now)
	}
	if now >= auth.validBefore {
		return fmt.Errorf("%w: valid until %d, now %d", v402.ErrAuthorizationExpired, auth.validBefore, now)
	}
	return nil
}

// parseWindow parses the string timestamps common to both payload families.
func parseWindow(validAfter, validBefore string) (int64, int64, error) {
	after, err := v402.ParseAtomicAmount(validAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: validAfter", v402.ErrMalformedPayload)
	}
	before, err := v402.ParseAtomicAmount(validBefore)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: validBefore", v402.ErrMalformedPayload)
	}
	if !after.IsInt64() || !before.IsInt64() {
		return 0, 0, fmt.Errorf("%w: validity window out of range", v402.ErrMalformedPayload)
	}
	return after.Int64(), before.Int64(), nil
}

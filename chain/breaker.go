package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// BreakerConfig tunes the per-network circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit once this many transient
	// failures occur in a row.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probe requests allowed while
	// half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig trips after 5 consecutive transient failures and
// probes again after 30 seconds.
var DefaultBreakerConfig = BreakerConfig{
	ConsecutiveFailures: 5,
	OpenTimeout:         30 * time.Second,
	HalfOpenRequests:    1,
}

// Breaker wraps an Adapter with one circuit breaker per network. Only
// transient failures (ErrChainUnavailable) count against the circuit;
// permanent rejections pass through without affecting it. While a network's
// circuit is open, calls fail fast with ErrChainUnavailable and no RPC is
// attempted.
type Breaker struct {
	inner    Adapter
	config   BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with a circuit breaker for each of its networks.
func NewBreaker(inner Adapter, networks []string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		inner:    inner,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(networks)),
	}
	for _, network := range networks {
		network := network
		b.breakers[network] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        network,
			MaxRequests: config.HalfOpenRequests,
			Timeout:     config.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit state change",
					"network", name,
					"from", from.String(),
					"to", to.String())
			},
		})
	}
	return b
}

// outcome carries a permanent error through the breaker without counting it
// as a circuit failure.
type outcome struct {
	value interface{}
	err   error
}

func (b *Breaker) execute(network string, fn func() (interface{}, error)) (interface{}, error) {
	cb, ok := b.breakers[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", v402.ErrUnsupportedNetwork, network)
	}
	res, err := cb.Execute(func() (interface{}, error) {
		value, err := fn()
		if err != nil && !errors.Is(err, v402.ErrChainUnavailable) {
			// Permanent: deliver without tripping the circuit.
			return outcome{value: value, err: err}, nil
		}
		return outcome{value: value}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open for %s", v402.ErrChainUnavailable, network)
		}
		return nil, err
	}
	out := res.(outcome)
	return out.value, out.err
}

func (b *Breaker) NetworkType() v402.NetworkType { return b.inner.NetworkType() }

func (b *Breaker) Supports(network string) bool { return b.inner.Supports(network) }

func (b *Breaker) RequiredConfirmations(network string) uint64 {
	return b.inner.RequiredConfirmations(network)
}

func (b *Breaker) EstimateFee(ctx context.Context, req v402.PaymentRequirement) (*FeeEstimate, error) {
	res, err := b.execute(req.Network, func() (interface{}, error) {
		return b.inner.EstimateFee(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*FeeEstimate), nil
}

func (b *Breaker) Prepare(ctx context.Context, payment v402.PaymentPayload, req v402.PaymentRequirement) (*PreparedTx, error) {
	res, err := b.execute(req.Network, func() (interface{}, error) {
		return b.inner.Prepare(ctx, payment, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*PreparedTx), nil
}

func (b *Breaker) Broadcast(ctx context.Context, tx *PreparedTx) error {
	_, err := b.execute(tx.Network, func() (interface{}, error) {
		return nil, b.inner.Broadcast(ctx, tx)
	})
	return err
}

func (b *Breaker) Status(ctx context.Context, network, ref string) (*TxStatus, error) {
	res, err := b.execute(network, func() (interface{}, error) {
		return b.inner.Status(ctx, network, ref)
	})
	if err != nil {
		return nil, err
	}
	return res.(*TxStatus), nil
}

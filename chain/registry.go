package chain

import (
	"fmt"

	v402 "github.com/Dream-Voyage/v402-sub000"
)

// Registry routes a network identifier to the adapter configured for it.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a registry over the given adapters. Routing asks each
// adapter whether it supports the network, so one adapter may serve several
// networks of its family.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// For returns the adapter serving network.
func (r *Registry) For(network string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Supports(network) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", v402.ErrUnsupportedNetwork, network)
}

// Networks lists every network served by some adapter, in chain registry
// order.
func (r *Registry) Networks() []string {
	var out []string
	for _, network := range v402.SupportedNetworks() {
		for _, a := range r.adapters {
			if a.Supports(network) {
				out = append(out, network)
				break
			}
		}
	}
	return out
}

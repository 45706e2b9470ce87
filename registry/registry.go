// Package registry holds the payment requirements resource servers declare.
// Entries are immutable once declared: a requirement a payer signed against
// must never change underneath the authorization.
package registry

import (
	"fmt"
	"sync"

	v402 "github.com/Dream-Voyage/v402-sub000"
	"github.com/Dream-Voyage/v402-sub000/validation"
)

// ErrAlreadyDeclared indicates a requirement for the same
// (resource, scheme, network) key is already registered.
var ErrAlreadyDeclared = fmt.Errorf("registry: requirement already declared")

type key struct {
	resource string
	scheme   v402.Scheme
	network  string
}

// Registry is an in-memory requirement store safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]v402.PaymentRequirement

	// order preserves declaration order for stable listings.
	order []key
}

// NewRegistry creates an empty requirement registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]v402.PaymentRequirement)}
}

// Declare validates and registers a payment requirement. A requirement is
// identified by (resource, scheme, network); redeclaring an existing key
// returns ErrAlreadyDeclared rather than mutating the entry.
func (r *Registry) Declare(req v402.PaymentRequirement) error {
	if err := validation.ValidatePaymentRequirement(req); err != nil {
		return err
	}
	if req.Resource == "" {
		return fmt.Errorf("%w: missing resource", v402.ErrInvalidRequirement)
	}

	k := key{resource: req.Resource, scheme: req.Scheme, network: req.Network}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("%w: %s %s on %s", ErrAlreadyDeclared, req.Resource, req.Scheme, req.Network)
	}
	r.entries[k] = req
	r.order = append(r.order, k)
	return nil
}

// Lookup returns the requirements declared for a resource. An empty network
// matches every network the resource accepts.
func (r *Registry) Lookup(resource, network string) []v402.PaymentRequirement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []v402.PaymentRequirement
	for _, k := range r.order {
		if k.resource != resource {
			continue
		}
		if network != "" && k.network != network {
			continue
		}
		out = append(out, r.entries[k])
	}
	return out
}

// All returns every declared requirement in declaration order.
func (r *Registry) All() []v402.PaymentRequirement {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]v402.PaymentRequirement, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// RequirementsResponse builds the 402 Payment Required body for a resource.
func (r *Registry) RequirementsResponse(resource string) v402.PaymentRequirementsResponse {
	accepts := r.Lookup(resource, "")
	resp := v402.PaymentRequirementsResponse{
		V402Version: v402.ProtocolVersion,
		Accepts:     accepts,
	}
	if len(accepts) == 0 {
		resp.Error = "no payment requirements declared for resource"
	}
	return resp
}

package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Repository holds the compiled policy of every local endpoint, keyed by
// endpoint IP. Stored policies are never mutated; updates swap them out, so
// a Policy returned by Lookup stays valid for the stream that holds it.
type Repository struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointPolicy
	revision  uint64
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		endpoints: make(map[string]*EndpointPolicy),
	}
}

// Lookup returns the policy bound to podIP, or nil if there is none.
func (r *Repository) Lookup(podIP string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.endpoints[podIP]
	if !ok {
		return nil
	}
	return p
}

// Get returns the endpoint policy for podIP.
func (r *Repository) Get(podIP string) (*EndpointPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.endpoints[podIP]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return p, nil
}

// Replace swaps the full endpoint set. Nothing changes if any policy fails
// to compile or two policies share an endpoint.
func (r *Repository) Replace(policies []*EndpointPolicy) error {
	next, err := compileAll(policies)
	if err != nil {
		return err
	}
	r.swap(next)
	return nil
}

func (r *Repository) swap(next map[string]*EndpointPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = next
	r.revision++
}

// Endpoints returns all endpoint policies sorted by IP.
func (r *Repository) Endpoints() []*EndpointPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*EndpointPolicy, 0, len(r.endpoints))
	for _, p := range r.endpoints {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Revision increases on every change.
func (r *Repository) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

func compileAll(policies []*EndpointPolicy) (map[string]*EndpointPolicy, error) {
	next := make(map[string]*EndpointPolicy, len(policies))
	for _, p := range policies {
		cp, err := compiledCopy(p)
		if err != nil {
			return nil, err
		}
		if _, dup := next[cp.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint %s", ErrInvalidRule, cp.Name)
		}
		next[cp.Name] = cp
	}
	return next, nil
}

func compiledCopy(p *EndpointPolicy) (*EndpointPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil endpoint policy", ErrInvalidRule)
	}
	cp := *p
	cp.Ingress = copyRules(p.Ingress)
	cp.Egress = copyRules(p.Egress)
	if err := cp.Compile(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func copyRules(in []PortRule) []PortRule {
	if in == nil {
		return nil
	}
	out := make([]PortRule, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Remotes = append(r.Remotes[:0:0], r.Remotes...)
		if r.HTTP != nil {
			out[i].HTTP = make([]HTTPRule, len(r.HTTP))
			for j, h := range r.HTTP {
				out[i].HTTP[j] = h
				out[i].HTTP[j].Headers = append(h.Headers[:0:0], h.Headers...)
			}
		}
	}
	return out
}

// Package sockopt carries per-connection identity metadata: which local
// endpoint a connection belongs to, its direction, and how to resolve peer
// identities and the endpoint's policy.
package sockopt

import (
	"context"
	"net/netip"

	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/policy"
)

// Option is metadata attached to a connection's socket.
type Option interface {
	Name() string
}

// Options is the set of options attached to one connection.
type Options []Option

// PolicyLookup returns the policy bound to a local endpoint, or nil.
type PolicyLookup interface {
	Lookup(podIP string) policy.Policy
}

// SocketOption is the identity context of a proxied connection. It is
// built once when the connection is accepted and never mutated.
type SocketOption struct {
	PodIP    string
	Ingress  bool
	Identity identity.NumericIdentity
	Port     uint16

	resolver identity.Resolver
	policies PolicyLookup
}

// New creates the socket option for a connection of the endpoint at podIP.
func New(podIP string, ingress bool, id identity.NumericIdentity, port uint16, resolver identity.Resolver, policies PolicyLookup) *SocketOption {
	return &SocketOption{
		PodIP:    podIP,
		Ingress:  ingress,
		Identity: id,
		Port:     port,
		resolver: resolver,
		policies: policies,
	}
}

// Name implements Option.
func (o *SocketOption) Name() string { return "cilium.socket_option" }

// ResolvePolicyID implements identity.Resolver: it returns the identity
// owning addr. Without a resolver every
// address belongs to the world.
func (o *SocketOption) ResolvePolicyID(addr netip.Addr) identity.NumericIdentity {
	if o.resolver == nil {
		return identity.IdentityWorld
	}
	return o.resolver.ResolvePolicyID(addr)
}

// GetPolicy returns the policy currently bound to the endpoint, or nil.
func (o *SocketOption) GetPolicy() policy.Policy {
	if o.policies == nil {
		return nil
	}
	return o.policies.Lookup(o.PodIP)
}

// GetSocketOption returns the first SocketOption in opts, or nil.
func GetSocketOption(opts Options) *SocketOption {
	for _, opt := range opts {
		if so, ok := opt.(*SocketOption); ok && so != nil {
			return so
		}
	}
	return nil
}

type contextKey struct{}

// WithOptions attaches a connection's options to ctx.
func WithOptions(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, contextKey{}, opts)
}

// FromContext returns the connection options stored in ctx.
func FromContext(ctx context.Context) Options {
	opts, _ := ctx.Value(contextKey{}).(Options)
	return opts
}

var (
	_ Option            = (*SocketOption)(nil)
	_ identity.Resolver = (*SocketOption)(nil)
)

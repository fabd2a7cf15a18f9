package meshcast

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/gaissmai/bart"
)

// FloodingPolicy is what the relay needs to know about mesh topology. Both lookups are
// synchronous, cheap and never block; the answers are owned by the routing daemon.
type FloodingPolicy interface {
	// ResolveMainAddress returns the main address of the node owning alias, or alias itself if
	// it is not a known alias.
	ResolveMainAddress(alias netip.Addr) netip.Addr
	// IsAcceptedRelayFor reports whether originator selected this node as a multipoint relay,
	// that is, whether traffic forwarded to us by originator must be flooded on.
	IsAcceptedRelayFor(originator netip.Addr) bool
}

// StaticPolicy is a FloodingPolicy built from configuration.
type StaticPolicy struct {
	acceptAll bool
	selectors bart.Table[struct{}]
	aliases   map[netip.Addr]netip.Addr
}

// NewStaticPolicy compiles p into a StaticPolicy.
func NewStaticPolicy(p Policy) (*StaticPolicy, error) {
	s := &StaticPolicy{
		acceptAll: p.AcceptAll,
		aliases:   make(map[netip.Addr]netip.Addr, len(p.Aliases)),
	}

	for _, selector := range p.MPRSelectors {
		pfx, err := parsePrefix(selector)
		if err != nil {
			return nil, fmt.Errorf("%w: mpr selector %q: %s", ErrConfig, selector, err)
		}

		s.selectors.Insert(pfx, struct{}{})
	}

	for alias, main := range p.Aliases {
		aliasAddr, err := netip.ParseAddr(alias)
		if err != nil {
			return nil, fmt.Errorf("%w: alias %q: %s", ErrConfig, alias, err)
		}

		mainAddr, err := netip.ParseAddr(main)
		if err != nil {
			return nil, fmt.Errorf("%w: main address %q of alias %q: %s", ErrConfig, main, alias, err)
		}

		s.aliases[aliasAddr.Unmap()] = mainAddr.Unmap()
	}

	return s, nil
}

// ResolveMainAddress returns the main address of the node owning alias.
func (s *StaticPolicy) ResolveMainAddress(alias netip.Addr) netip.Addr {
	alias = alias.Unmap()

	if main, ok := s.aliases[alias]; ok {
		return main
	}

	return alias
}

// IsAcceptedRelayFor reports whether originator is one of the configured mpr selectors.
func (s *StaticPolicy) IsAcceptedRelayFor(originator netip.Addr) bool {
	if s.acceptAll {
		return true
	}

	_, ok := s.selectors.Lookup(originator.Unmap())

	return ok
}

// PolicyHolder is a FloodingPolicy delegating to a policy that can be swapped at any time, so a
// running engine picks up topology changes without being restarted.
type PolicyHolder struct {
	current atomic.Pointer[policyBox]
}

type policyBox struct {
	policy FloodingPolicy
}

// NewPolicyHolder returns a PolicyHolder delegating to p.
func NewPolicyHolder(p FloodingPolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Swap(p)

	return h
}

// Swap replaces the policy lookups are delegated to.
func (h *PolicyHolder) Swap(p FloodingPolicy) {
	h.current.Store(&policyBox{policy: p})
}

// ResolveMainAddress delegates to the current policy.
func (h *PolicyHolder) ResolveMainAddress(alias netip.Addr) netip.Addr {
	return h.current.Load().policy.ResolveMainAddress(alias)
}

// IsAcceptedRelayFor delegates to the current policy.
func (h *PolicyHolder) IsAcceptedRelayFor(originator netip.Addr) bool {
	return h.current.Load().policy.IsAcceptedRelayFor(originator)
}

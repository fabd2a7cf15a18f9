package meshcast

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gaissmai/bart"
)

const (
	filterActionDrop  = "drop"
	filterActionRelay = "relay"
)

type filterRule struct {
	ports map[uint16]struct{}
	drop  bool
}

func (r filterRule) matches(port uint16) bool {
	if len(r.ports) == 0 {
		return true
	}

	_, ok := r.ports[port]

	return ok
}

// FilterTable holds destination/port rules indexed by destination prefix. Lookups use the
// longest matching prefix; within a prefix, rules are tried in configuration order.
type FilterTable struct {
	table bart.Table[[]filterRule]
	size  int
}

// NewFilterTable compiles filters into a FilterTable.
func NewFilterTable(filters []Filter) (*FilterTable, error) {
	t := &FilterTable{}

	byPrefix := make(map[netip.Prefix][]filterRule)

	for idx, f := range filters {
		pfx, err := parsePrefix(f.Destination)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %d: %s", ErrConfig, idx, err)
		}

		rule := filterRule{ports: make(map[uint16]struct{}, len(f.Ports))}

		switch strings.ToLower(f.Action) {
		case filterActionDrop:
			rule.drop = true
		case filterActionRelay, "":
		default:
			return nil, fmt.Errorf(
				"%w: filter %d: unknown action %q, expected %q or %q",
				ErrConfig, idx, f.Action, filterActionDrop, filterActionRelay,
			)
		}

		for _, port := range f.Ports {
			rule.ports[port] = struct{}{}
		}

		byPrefix[pfx] = append(byPrefix[pfx], rule)
		t.size++
	}

	for pfx, rules := range byPrefix {
		t.table.Insert(pfx, rules)
	}

	return t, nil
}

// Allows reports whether a packet to dst on port may be relayed.
func (t *FilterTable) Allows(dst netip.Addr, port uint16) bool {
	if t == nil || t.size == 0 {
		return true
	}

	rules, ok := t.table.Lookup(dst)
	if !ok {
		return true
	}

	for _, rule := range rules {
		if rule.matches(port) {
			return !rule.drop
		}
	}

	return true
}

// parsePrefix accepts either a cidr or a bare address, the latter as a host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}

		return pfx.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	addr = addr.Unmap()

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Package acl implements IPv4 CIDR access lists with merged ranges and
// explicit empty-list policies.
package acl

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
)

// List is an immutable set of IPv4 address ranges built from CIDR blocks.
// Overlapping and adjacent blocks are merged at construction time so that
// membership tests are a single binary search.
type List struct {
	starts []uint32
	ends   []uint32
}

// Parse builds a List from CIDR strings. Bare IPs are accepted as /32.
func Parse(cidrs []string) (*List, error) {
	type span struct{ start, end uint32 }
	spans := make([]span, 0, len(cidrs))

	for _, s := range cidrs {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			ip := net.ParseIP(s)
			if ip == nil || ip.To4() == nil {
				return nil, fmt.Errorf("invalid IPv4 CIDR %q", s)
			}
			_, ipNet, _ = net.ParseCIDR(s + "/32")
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("not an IPv4 CIDR: %q", s)
		}
		ones, bits := ipNet.Mask.Size()
		if bits != 32 {
			return nil, fmt.Errorf("not an IPv4 CIDR: %q", s)
		}
		start := binary.BigEndian.Uint32(ip4)
		end := start | (^uint32(0) >> ones)
		if ones == 0 {
			end = ^uint32(0)
		}
		spans = append(spans, span{start, end})
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end < spans[j].end
	})

	l := &List{}
	for _, sp := range spans {
		n := len(l.ends)
		// Merge with the previous range when overlapping or adjacent.
		if n > 0 && (sp.start <= l.ends[n-1] || (l.ends[n-1] != ^uint32(0) && sp.start == l.ends[n-1]+1)) {
			if sp.end > l.ends[n-1] {
				l.ends[n-1] = sp.end
			}
			continue
		}
		l.starts = append(l.starts, sp.start)
		l.ends = append(l.ends, sp.end)
	}
	return l, nil
}

// MustParse is like Parse but panics on error. For tests and fixed tables.
func MustParse(cidrs []string) *List {
	l, err := Parse(cidrs)
	if err != nil {
		panic(err)
	}
	return l
}

// Empty reports whether the list contains no ranges. An empty list is a
// distinct state from a list containing 0.0.0.0/0.
func (l *List) Empty() bool {
	return l == nil || len(l.starts) == 0
}

// ContainsIP reports whether the list contains the given address.
// Non-IPv4 addresses are never contained.
func (l *List) ContainsIP(ip net.IP) bool {
	if l.Empty() {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	v := binary.BigEndian.Uint32(ip4)
	// First range starting after v; the candidate is the one before it.
	i := sort.Search(len(l.starts), func(i int) bool { return l.starts[i] > v })
	if i == 0 {
		return false
	}
	return v <= l.ends[i-1]
}

// Check tests membership under the list's empty policy: an empty list
// yields onEmpty for every address, and non-IPv4 addresses are treated as
// not contained. Call sites pass the policy that is correct for their list:
// true for the request allowlist (empty allows everyone), false for the
// purge allowlist and the denylist.
func (l *List) Check(ip net.IP, onEmpty bool) bool {
	if l.Empty() {
		return onEmpty
	}
	return l.ContainsIP(ip)
}

// Len returns the number of merged ranges.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.starts)
}

package message

import (
	"fmt"
	"net/netip"
)

// NextHop associates a next-hop address with an announce. The self form is
// a configuration placeholder ("use our local address for this family")
// that must be resolved to a concrete address before a Route may enter the
// Adj-RIB-Out.
type NextHop struct {
	Addr      netip.Addr
	LinkLocal netip.Addr
	self      bool
	afi       AFI
}

// NextHopSelf is the unresolved sentinel for the given family.
func NextHopSelf(afi AFI) NextHop { return NextHop{self: true, afi: afi} }

// NewNextHop wraps a concrete next-hop address.
func NewNextHop(addr netip.Addr) NextHop { return NextHop{Addr: addr} }

// NoNextHop marks families that carry no next-hop (flow-spec).
var NoNextHop = NextHop{}

// Resolved reports whether the next-hop may be encoded on the wire.
func (n NextHop) Resolved() bool { return !n.self }

// AFI returns the family of the sentinel or of the concrete address.
func (n NextHop) AFI() AFI {
	if n.self {
		return n.afi
	}
	if n.Addr.Is4() {
		return AFIIPv4
	}
	if n.Addr.Is6() {
		return AFIIPv6
	}
	return 0
}

// Resolve substitutes the local address into a self sentinel; concrete
// next-hops are returned unchanged.
func (n NextHop) Resolve(local netip.Addr) NextHop {
	if !n.self {
		return n
	}
	return NextHop{Addr: local}
}

func (n NextHop) String() string {
	if n.self {
		return "self"
	}
	if !n.Addr.IsValid() {
		return "none"
	}
	return n.Addr.String()
}

// RoutedNLRI pairs an NLRI with the next-hop it is announced with. The
// next-hop is never stored on the NLRI itself so NLRIs stay immutable and
// shareable.
type RoutedNLRI struct {
	NLRI    NLRI
	NextHop NextHop
}

func (r RoutedNLRI) String() string {
	return fmt.Sprintf("%s next-hop %s", r.NLRI, r.NextHop)
}

// Route is a complete routing statement: an NLRI, the attribute set it is
// announced with, and its next-hop.
type Route struct {
	NLRI       NLRI
	Attributes *AttributeCollection
	NextHop    NextHop
}

func NewRoute(n NLRI, attrs *AttributeCollection, nh NextHop) *Route {
	if attrs == nil {
		attrs = NewAttributeCollection()
	}
	return &Route{NLRI: n, Attributes: attrs, NextHop: nh}
}

// ResolveSelf returns a copy with any self sentinel replaced by the given
// local address; routes with concrete next-hops are returned as-is.
func (r *Route) ResolveSelf(local netip.Addr) *Route {
	if r.NextHop.Resolved() {
		return r
	}
	return &Route{NLRI: r.NLRI, Attributes: r.Attributes, NextHop: r.NextHop.Resolve(local)}
}

func (r *Route) String() string {
	return fmt.Sprintf("%s next-hop %s %s", r.NLRI, r.NextHop, r.Attributes)
}

package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

func route(prefix, nexthop string) *message.Route {
	p := netip.MustParsePrefix(prefix)
	attrs := message.NewAttributeCollection(message.OriginCodeIGP, &message.ASPath{})
	return message.NewRoute(
		message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, p, 0),
		attrs,
		message.NewNextHop(netip.MustParseAddr(nexthop)),
	)
}

// An unresolved self sentinel never enters the RIB; after resolution the
// same route is accepted.
func TestAnnounceRejectsSentinel(t *testing.T) {
	o := NewOutgoing()
	r := message.NewRoute(
		message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 0),
		message.NewAttributeCollection(message.OriginCodeIGP),
		message.NextHopSelf(message.AFIIPv4),
	)
	if err := o.Announce(r); err == nil {
		t.Fatal("expected the sentinel to be rejected")
	}
	resolved := r.ResolveSelf(netip.MustParseAddr("192.168.1.1"))
	if !resolved.NextHop.Resolved() {
		t.Fatal("resolve must clear the sentinel")
	}
	if err := o.Announce(resolved); err != nil {
		t.Fatalf("resolved route must be accepted: %v", err)
	}
}

// A withdraw for a prefix supersedes any queued announce for it.
func TestWithdrawSupersedesAnnounce(t *testing.T) {
	o := NewOutgoing()
	r := route("10.0.0.0/24", "192.168.1.1")
	if err := o.Announce(r); err != nil {
		t.Fatal(err)
	}
	o.Withdraw(r.NLRI)

	updates := o.Updates(true)
	var announces, withdraws int
	for _, u := range updates {
		announces += len(u.Announces)
		withdraws += len(u.Withdraws)
	}
	if announces != 0 {
		t.Errorf("superseded announce leaked: %d", announces)
	}
	if withdraws != 1 {
		t.Errorf("expected 1 withdraw, got %d", withdraws)
	}
}

// Within one flush, no collection mixes a withdraw and an announce for the
// same prefix, and the withdraw collection comes first.
func TestUpdatesOrdering(t *testing.T) {
	o := NewOutgoing()
	keep := route("10.1.0.0/24", "192.168.1.1")
	gone := route("10.2.0.0/24", "192.168.1.1")
	if err := o.Announce(keep); err != nil {
		t.Fatal(err)
	}
	if err := o.Announce(gone); err != nil {
		t.Fatal(err)
	}
	o.Updates(true) // flush round one
	o.Withdraw(gone.NLRI)
	if err := o.Announce(keep); err != nil {
		t.Fatal(err)
	}

	updates := o.Updates(true)
	if len(updates) == 0 {
		t.Fatal("expected updates")
	}
	for _, u := range updates {
		seen := map[string]bool{}
		for _, w := range u.Withdraws {
			seen[message.Index(w)] = true
		}
		for _, a := range u.Announces {
			if seen[message.Index(a.NLRI)] {
				t.Error("withdraw and announce for the same prefix in one collection")
			}
		}
	}
	if len(updates[0].Withdraws) == 0 {
		t.Error("withdraws must be emitted first")
	}
}

// Re-announcing identical wire bytes is a no-op.
func TestIdenticalReAnnounceIsNoOp(t *testing.T) {
	o := NewOutgoing()
	r := route("10.0.0.0/24", "192.168.1.1")
	if err := o.Announce(r); err != nil {
		t.Fatal(err)
	}
	o.Updates(true)
	if o.Pending() {
		t.Fatal("flush must clear pending")
	}
	if err := o.Announce(route("10.0.0.0/24", "192.168.1.1")); err != nil {
		t.Fatal(err)
	}
	if o.Pending() {
		t.Error("identical re-announce must not set pending")
	}
	// a different next-hop is a real change
	if err := o.Announce(route("10.0.0.0/24", "192.168.1.2")); err != nil {
		t.Fatal(err)
	}
	if !o.Pending() {
		t.Error("changed route must set pending")
	}
}

// Grouped flushing merges announces sharing identical attribute bytes.
func TestGroupingByAttributes(t *testing.T) {
	o := NewOutgoing()
	shared := message.NewAttributeCollection(message.OriginCodeIGP, &message.ASPath{}, message.MED(5))
	other := message.NewAttributeCollection(message.OriginCodeIGP, &message.ASPath{}, message.MED(9))
	nh := message.NewNextHop(netip.MustParseAddr("192.168.1.1"))

	mk := func(prefix string, attrs *message.AttributeCollection) *message.Route {
		return message.NewRoute(
			message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, netip.MustParsePrefix(prefix), 0),
			attrs, nh)
	}
	for _, r := range []*message.Route{
		mk("10.1.0.0/24", shared),
		mk("10.2.0.0/24", shared),
		mk("10.3.0.0/24", other),
	} {
		if err := o.Announce(r); err != nil {
			t.Fatal(err)
		}
	}

	updates := o.Updates(true)
	if len(updates) != 2 {
		t.Fatalf("expected 2 grouped collections, got %d", len(updates))
	}
	sizes := map[int]int{}
	for _, u := range updates {
		sizes[len(u.Announces)]++
	}
	if sizes[2] != 1 || sizes[1] != 1 {
		t.Errorf("grouping mismatch: %v", sizes)
	}
}

func TestWithdrawAll(t *testing.T) {
	o := NewOutgoing()
	for _, p := range []string{"10.1.0.0/24", "10.2.0.0/24"} {
		if err := o.Announce(route(p, "192.168.1.1")); err != nil {
			t.Fatal(err)
		}
	}
	o.Updates(true)
	if len(o.Advertised()) != 2 {
		t.Fatalf("expected 2 advertised, got %d", len(o.Advertised()))
	}

	o.WithdrawAll()
	updates := o.Updates(true)
	var withdraws int
	for _, u := range updates {
		withdraws += len(u.Withdraws)
	}
	if withdraws != 2 {
		t.Errorf("expected 2 withdraws, got %d", withdraws)
	}
	if len(o.Advertised()) != 0 {
		t.Errorf("advertised set must be empty after WithdrawAll")
	}
}

func TestResendRequeuesAdvertised(t *testing.T) {
	o := NewOutgoing()
	if err := o.Announce(route("10.1.0.0/24", "192.168.1.1")); err != nil {
		t.Fatal(err)
	}
	o.Updates(true)
	o.Resend()
	if !o.Pending() {
		t.Fatal("resend must set pending")
	}
	updates := o.Updates(true)
	var announces int
	for _, u := range updates {
		announces += len(u.Announces)
	}
	if announces != 1 {
		t.Errorf("expected 1 re-announce, got %d", announces)
	}
}

func TestClear(t *testing.T) {
	o := NewOutgoing()
	if err := o.Announce(route("10.1.0.0/24", "192.168.1.1")); err != nil {
		t.Fatal(err)
	}
	o.Updates(true)
	o.Clear()
	if o.Pending() || len(o.Advertised()) != 0 {
		t.Error("clear must drop queue and advertised set")
	}
}

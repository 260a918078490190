package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

func inUpdate(prefix string) *message.UpdateCollection {
	p := netip.MustParsePrefix(prefix)
	return message.NewUpdateCollection(
		[]message.RoutedNLRI{{
			NLRI:    message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, p, 0),
			NextHop: message.NewNextHop(netip.MustParseAddr("192.168.1.2")),
		}},
		nil,
		message.NewAttributeCollection(message.OriginCodeIGP),
	)
}

func TestIncomingAnnounceWithdraw(t *testing.T) {
	in := NewIncoming()
	in.Update(inUpdate("10.0.0.0/24"))
	in.Update(inUpdate("10.1.0.0/24"))
	if in.Len() != 2 {
		t.Fatalf("expected 2 routes, got %d", in.Len())
	}

	w := message.NewUpdateCollection(nil,
		[]message.NLRI{message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 0)},
		nil)
	in.Update(w)
	if in.Len() != 1 {
		t.Fatalf("expected 1 route after withdraw, got %d", in.Len())
	}
	if in.Routes()[0].NLRI.String() != "10.1.0.0/24" {
		t.Errorf("wrong survivor: %s", in.Routes()[0].NLRI)
	}
}

// Graceful restart: stale routes survive until the End-of-RIB for their
// family clears them.
func TestIncomingGracefulRestart(t *testing.T) {
	in := NewIncoming()
	in.Update(inUpdate("10.0.0.0/24"))
	in.MarkStale()
	if in.Len() != 1 {
		t.Fatal("stale routes must be retained")
	}

	// re-established session re-announces one of them, then closes the table
	in.Update(inUpdate("10.0.0.0/24"))
	f := message.Family{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}
	eor := &message.UpdateCollection{EORFamily: &f}
	in.Update(eor)

	if !in.EORReceived(f) {
		t.Error("eor must be recorded")
	}
	if in.Len() != 1 {
		t.Errorf("re-announced route survives the stale sweep, got %d", in.Len())
	}
}

func TestIncomingEORClearsOnlyStale(t *testing.T) {
	in := NewIncoming()
	in.Update(inUpdate("10.0.0.0/24"))
	in.MarkStale()
	f := message.Family{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}
	in.Update(&message.UpdateCollection{EORFamily: &f})
	if in.Len() != 0 {
		t.Errorf("stale route not re-announced before EOR must be dropped, got %d", in.Len())
	}
}

func TestIncomingClear(t *testing.T) {
	in := NewIncoming()
	in.Update(inUpdate("10.0.0.0/24"))
	in.Clear()
	if in.Len() != 0 {
		t.Error("clear must drop everything")
	}
}

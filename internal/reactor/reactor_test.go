package reactor

import (
	"net/netip"
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/peer"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

func mkRoute(prefix string) *message.Route {
	return message.NewRoute(
		message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, netip.MustParsePrefix(prefix), 0),
		message.NewAttributeCollection(message.OriginCodeIGP, &message.ASPath{}),
		message.NewNextHop(netip.MustParseAddr("192.168.1.1")),
	)
}

func mkPeer(t *testing.T) *peer.Peer {
	t.Helper()
	s := &peer.Settings{
		Name:        "lab",
		PeerAddress: netip.MustParseAddr("192.0.2.1"),
		LocalAS:     65000,
		PeerAS:      65001,
		RouterID:    netip.MustParseAddr("1.1.1.1"),
		HoldTime:    180,
		Families:    []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}},
	}
	p, err := peer.New(s, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// Reload with unchanged session settings queues only the route delta.
func TestDiffRoutes(t *testing.T) {
	p := mkPeer(t)
	old := []*message.Route{mkRoute("10.1.0.0/24"), mkRoute("10.2.0.0/24")}
	for _, r := range old {
		if err := p.Announce(r); err != nil {
			t.Fatal(err)
		}
	}
	p.AdjOut().Updates(true) // flushed to the (imaginary) peer

	updated := []*message.Route{mkRoute("10.2.0.0/24"), mkRoute("10.3.0.0/24")}
	diffRoutes(p, old, updated)

	changes := p.AdjOut().Queued()
	byAction := map[rib.Action][]string{}
	for _, c := range changes {
		byAction[c.Action] = append(byAction[c.Action], c.Route.NLRI.String())
	}
	if len(byAction[rib.ActionWithdraw]) != 1 || byAction[rib.ActionWithdraw][0] != "10.1.0.0/24" {
		t.Errorf("withdraws: %v", byAction[rib.ActionWithdraw])
	}
	// 10.2.0.0/24 is identical and must be a no-op; only 10.3.0.0/24 is new
	if len(byAction[rib.ActionAnnounce]) != 1 || byAction[rib.ActionAnnounce][0] != "10.3.0.0/24" {
		t.Errorf("announces: %v", byAction[rib.ActionAnnounce])
	}
}

package message

import (
	"net/netip"
	"testing"
)

func TestOpenRoundTrip(t *testing.T) {
	caps := []Capability{
		MultiProtocolCap{AFI: AFIIPv4, SAFI: SAFIUnicast},
		MultiProtocolCap{AFI: AFIIPv6, SAFI: SAFIUnicast},
		RouteRefreshCap{},
		EnhancedRouteRefreshCap{},
		ASN4Cap(131072),
		&GracefulRestartCap{Time: 120, Families: []GRTuple{
			{Family: Family{AFIIPv4, SAFIUnicast}, Flags: 0x80},
		}},
		AddPathCap{{Family: Family{AFIIPv4, SAFIUnicast}, SendReceive: AddPathBoth}},
		ExtendedMessageCap{},
		MultiSessionCap{},
		AIGPCap{},
		OperationalCap{},
	}
	o := NewOpen(131072, 180, netip.MustParseAddr("1.1.1.1"), caps)
	if o.ASN != ASTrans {
		t.Fatalf("expected AS_TRANS in the fixed field, got %d", o.ASN)
	}

	parsed, err := ParseOpen(o.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Version != 4 || parsed.HoldTime != 180 {
		t.Errorf("header mismatch: %+v", parsed)
	}
	if parsed.RouterID != netip.MustParseAddr("1.1.1.1") {
		t.Errorf("router-id mismatch: %s", parsed.RouterID)
	}
	if parsed.EffectiveASN() != 131072 {
		t.Errorf("effective asn %d, want 131072", parsed.EffectiveASN())
	}
	if len(parsed.Families()) != 2 {
		t.Errorf("families mismatch: %v", parsed.Families())
	}
	gr, ok := parsed.GracefulRestart()
	if !ok || gr.Time != 120 || len(gr.Families) != 1 || gr.Families[0].Flags != 0x80 {
		t.Errorf("graceful-restart mismatch: %+v", gr)
	}
	ap := parsed.AddPath()
	if ap[Family{AFIIPv4, SAFIUnicast}] != AddPathBoth {
		t.Errorf("add-path mismatch: %v", ap)
	}
	for _, code := range []uint8{CapCodeExtendedMessage, CapCodeMultiSession, CapCodeAIGP, CapCodeOperational, CapCodeEnhancedRouteRefresh} {
		if !parsed.has(code) {
			t.Errorf("capability %d lost in round-trip", code)
		}
	}
}

func TestOpenSmallASN(t *testing.T) {
	o := NewOpen(65000, 90, netip.MustParseAddr("2.2.2.2"), nil)
	if o.ASN != 65000 {
		t.Fatalf("expected 65000 in the fixed field, got %d", o.ASN)
	}
	parsed, err := ParseOpen(o.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.EffectiveASN() != 65000 {
		t.Errorf("effective asn %d", parsed.EffectiveASN())
	}
}

func TestOpenUnknownCapabilityRetained(t *testing.T) {
	o := NewOpen(65000, 90, netip.MustParseAddr("2.2.2.2"), []Capability{
		&UnknownCap{CapCode: 200, Value: []byte{1, 2, 3}},
	})
	parsed, err := ParseOpen(o.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Capabilities) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(parsed.Capabilities))
	}
	u, ok := parsed.Capabilities[0].(*UnknownCap)
	if !ok || u.CapCode != 200 || len(u.Value) != 3 {
		t.Errorf("unknown capability not retained verbatim: %+v", parsed.Capabilities[0])
	}
}

func TestOpenCiscoRefreshDecodesAsClassic(t *testing.T) {
	o := NewOpen(65000, 90, netip.MustParseAddr("2.2.2.2"), []Capability{
		RouteRefreshCap{Cisco: true},
	})
	parsed, err := ParseOpen(o.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rr, ok := parsed.Capabilities[0].(RouteRefreshCap)
	if !ok || !rr.Cisco {
		t.Errorf("cisco refresh mismatch: %+v", parsed.Capabilities[0])
	}
}

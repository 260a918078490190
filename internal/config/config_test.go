package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "speaker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
speaker:
  router_id: 1.1.1.1
peers:
  upstream:
    peer_address: 192.0.2.1
    local_as: 65000
    peer_as: 65001
    families: ["ipv4 unicast", "ipv6 unicast"]
    routes:
      - prefix: 10.0.0.0/24
        next_hop: self
        med: 100
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := cfg.Peers["upstream"]
	if !ok {
		t.Fatal("peer missing")
	}
	if p.LocalAS != 65000 || p.PeerAS != 65001 {
		t.Errorf("asn mismatch: %+v", p)
	}
	if cfg.API.Transport != "socket" {
		t.Errorf("default transport %q", cfg.API.Transport)
	}
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("default http listen %q", cfg.Service.HTTPListen)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BGP_SPEAKER_API__TRANSPORT", "pipe")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Transport != "pipe" {
		t.Errorf("env override failed: %q", cfg.API.Transport)
	}
}

func TestValidateMissingRouterID(t *testing.T) {
	_, err := Load(writeConfig(t, `
peers:
  upstream:
    peer_address: 192.0.2.1
    local_as: 65000
    peer_as: 65001
`))
	if err == nil {
		t.Fatal("expected error for missing router_id")
	}
}

func TestValidateBadHoldTime(t *testing.T) {
	_, err := Load(writeConfig(t, `
speaker:
  router_id: 1.1.1.1
peers:
  upstream:
    peer_address: 192.0.2.1
    local_as: 65000
    peer_as: 65001
    hold_time: 2
`))
	if err == nil {
		t.Fatal("expected error for hold_time 2")
	}
}

func TestValidateUnknownFamily(t *testing.T) {
	_, err := Load(writeConfig(t, `
speaker:
  router_id: 1.1.1.1
peers:
  upstream:
    peer_address: 192.0.2.1
    local_as: 65000
    peer_as: 65001
    families: ["ipv9 unicast"]
`))
	if err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestParseFamily(t *testing.T) {
	cases := []struct {
		in   string
		want message.Family
	}{
		{"ipv4 unicast", message.Family{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}},
		{"IPv4   Flow", message.Family{AFI: message.AFIIPv4, SAFI: message.SAFIFlowIP}},
		{"l2vpn vpls", message.Family{AFI: message.AFIL2VPN, SAFI: message.SAFIVPLS}},
		{"ipv6 mpls-vpn", message.Family{AFI: message.AFIIPv6, SAFI: message.SAFIMPLSVPN}},
	}
	for _, c := range cases {
		got, err := ParseFamily(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q: got %v want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseFamily("bogus"); err == nil {
		t.Error("expected error for bogus family")
	}
}

func TestParseRD(t *testing.T) {
	rd, err := ParseRD("65000:100")
	if err != nil {
		t.Fatal(err)
	}
	if rd.String() != "65000:100" {
		t.Errorf("rd mismatch: %s", rd)
	}
	rd, err = ParseRD("172.30.5.4:13")
	if err != nil {
		t.Fatal(err)
	}
	if rd.String() != "172.30.5.4:13" {
		t.Errorf("rd mismatch: %s", rd)
	}
	if _, err := ParseRD("no-colon"); err == nil {
		t.Error("expected error")
	}
}

func TestBuildRouteSelf(t *testing.T) {
	rc := RouteConfig{Prefix: "10.0.0.0/24", NextHop: "self", MED: uptr(100)}
	r, err := rc.BuildRoute()
	if err != nil {
		t.Fatal(err)
	}
	if r.NextHop.Resolved() {
		t.Error("self next-hop must be an unresolved sentinel")
	}
	resolved := r.ResolveSelf(netip.MustParseAddr("192.168.1.1"))
	if !resolved.NextHop.Resolved() || resolved.NextHop.Addr != netip.MustParseAddr("192.168.1.1") {
		t.Errorf("resolve mismatch: %s", resolved.NextHop)
	}
	med, ok := r.Attributes.Get(message.AttrMED)
	if !ok || med.(message.MED) != 100 {
		t.Errorf("med mismatch: %v", med)
	}
}

func TestBuildRouteVPN(t *testing.T) {
	rc := RouteConfig{
		Prefix:  "10.0.0.0/24",
		NextHop: "192.168.1.1",
		RD:      "65000:1",
		Labels:  []uint32{100},
	}
	r, err := rc.BuildRoute()
	if err != nil {
		t.Fatal(err)
	}
	vpn, ok := r.NLRI.(*message.VPN)
	if !ok {
		t.Fatalf("expected VPN nlri, got %T", r.NLRI)
	}
	if vpn.Family().SAFI != message.SAFIMPLSVPN {
		t.Errorf("safi mismatch: %s", vpn.Family())
	}
}

func TestBuildFlow(t *testing.T) {
	fc := FlowConfig{
		Destination:     "192.0.2.0/24",
		Source:          "10.0.0.0/24",
		Protocols:       []uint32{6},
		DestinationPort: []uint32{80},
		ExtendedCommunities: []string{
			"rate-limit:0",
		},
	}
	r, err := fc.BuildFlow()
	if err != nil {
		t.Fatal(err)
	}
	flow, ok := r.NLRI.(*message.Flow)
	if !ok {
		t.Fatalf("expected flow nlri, got %T", r.NLRI)
	}
	comps := flow.Components()
	if len(comps) != 4 {
		t.Fatalf("expected 4 components, got %d", len(comps))
	}
	// RFC ordering: destination(1), source(2), protocol(3), dst-port(5)
	want := []uint8{1, 2, 3, 5}
	for i, c := range comps {
		if c.ComponentType() != want[i] {
			t.Errorf("component %d: type %d want %d", i, c.ComponentType(), want[i])
		}
	}
	if !r.Attributes.Has(message.AttrExtCommunities) {
		t.Error("rate-limit action missing")
	}
}

func uptr(v uint32) *uint32 { return &v }

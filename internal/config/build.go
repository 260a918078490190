package config

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

var familyNames = map[string]message.Family{
	"ipv4 unicast":   {AFI: message.AFIIPv4, SAFI: message.SAFIUnicast},
	"ipv4 multicast": {AFI: message.AFIIPv4, SAFI: message.SAFIMulticast},
	"ipv4 nlri-mpls": {AFI: message.AFIIPv4, SAFI: message.SAFILabeled},
	"ipv4 mpls-vpn":  {AFI: message.AFIIPv4, SAFI: message.SAFIMPLSVPN},
	"ipv4 flow":      {AFI: message.AFIIPv4, SAFI: message.SAFIFlowIP},
	"ipv4 flow-vpn":  {AFI: message.AFIIPv4, SAFI: message.SAFIFlowVPN},
	"ipv6 unicast":   {AFI: message.AFIIPv6, SAFI: message.SAFIUnicast},
	"ipv6 multicast": {AFI: message.AFIIPv6, SAFI: message.SAFIMulticast},
	"ipv6 nlri-mpls": {AFI: message.AFIIPv6, SAFI: message.SAFILabeled},
	"ipv6 mpls-vpn":  {AFI: message.AFIIPv6, SAFI: message.SAFIMPLSVPN},
	"ipv6 flow":      {AFI: message.AFIIPv6, SAFI: message.SAFIFlowIP},
	"ipv6 flow-vpn":  {AFI: message.AFIIPv6, SAFI: message.SAFIFlowVPN},
	"l2vpn vpls":     {AFI: message.AFIL2VPN, SAFI: message.SAFIVPLS},
	"l2vpn evpn":     {AFI: message.AFIL2VPN, SAFI: message.SAFIEVPN},
}

// ParseFamily resolves a "afi safi" configuration string.
func ParseFamily(s string) (message.Family, error) {
	f, ok := familyNames[strings.Join(strings.Fields(strings.ToLower(s)), " ")]
	if !ok {
		return message.Family{}, fmt.Errorf("unknown family %q", s)
	}
	return f, nil
}

// FamilyName renders a family back into its configuration spelling.
func FamilyName(f message.Family) string {
	for name, fam := range familyNames {
		if fam == f {
			return name
		}
	}
	return f.String()
}

// ParseRD parses "asn:value" or "a.b.c.d:value".
func ParseRD(s string) (message.RD, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return message.RD{}, fmt.Errorf("route distinguisher %q: missing colon", s)
	}
	left, right := s[:i], s[i+1:]
	assigned, err := strconv.ParseUint(right, 10, 32)
	if err != nil {
		return message.RD{}, fmt.Errorf("route distinguisher %q: %w", s, err)
	}
	if ip, err := netip.ParseAddr(left); err == nil && ip.Is4() {
		if assigned > 0xFFFF {
			return message.RD{}, fmt.Errorf("route distinguisher %q: assigned number exceeds 16 bits", s)
		}
		return message.NewRDFromIP(ip, uint16(assigned)), nil
	}
	asn, err := strconv.ParseUint(left, 10, 16)
	if err != nil {
		return message.RD{}, fmt.Errorf("route distinguisher %q: %w", s, err)
	}
	return message.NewRD(uint16(asn), uint32(assigned)), nil
}

// ParseCommunity parses "asn:value" into a 32-bit community.
func ParseCommunity(s string) (uint32, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("community %q: want asn:value", s)
	}
	hi, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("community %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("community %q: %w", s, err)
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

// ParseLargeCommunity parses "global:data1:data2".
func ParseLargeCommunity(s string) (message.LargeCommunity, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return message.LargeCommunity{}, fmt.Errorf("large community %q: want global:data1:data2", s)
	}
	var vals [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return message.LargeCommunity{}, fmt.Errorf("large community %q: %w", s, err)
		}
		vals[i] = uint32(v)
	}
	return message.LargeCommunity{Global: vals[0], Data1: vals[1], Data2: vals[2]}, nil
}

// BuildRoute turns a validated route stanza into a Route. A "self" next-hop
// becomes the unresolved sentinel; the peer resolves it before the route
// enters the Adj-RIB-Out.
func (r *RouteConfig) BuildRoute() (*message.Route, error) {
	prefix, err := netip.ParsePrefix(r.Prefix)
	if err != nil {
		return nil, err
	}
	afi := message.AFIIPv4
	if prefix.Addr().Is6() {
		afi = message.AFIIPv6
	}

	var nlri message.NLRI
	switch {
	case r.RD != "":
		rd, err := ParseRD(r.RD)
		if err != nil {
			return nil, err
		}
		labels := buildLabels(r.Labels)
		nlri = message.NewVPN(afi, prefix, labels, rd, r.PathID)
	case len(r.Labels) > 0:
		nlri = message.NewLabeled(afi, prefix, buildLabels(r.Labels), r.PathID)
	default:
		nlri = message.NewPrefix(afi, message.SAFIUnicast, prefix, r.PathID)
	}

	attrs := message.NewAttributeCollection()
	switch r.Origin {
	case "", "igp":
		attrs.Add(message.OriginCodeIGP)
	case "egp":
		attrs.Add(message.OriginCodeEGP)
	case "incomplete":
		attrs.Add(message.OriginCodeIncomplete)
	}
	path := &message.ASPath{}
	if len(r.ASPath) > 0 {
		path.Segments = []message.ASSegment{{Type: message.ASSequence, ASNs: r.ASPath}}
	}
	attrs.Add(path)
	if r.MED != nil {
		attrs.Add(message.MED(*r.MED))
	}
	if r.LocalPref != nil {
		attrs.Add(message.LocalPref(*r.LocalPref))
	}
	if len(r.Communities) > 0 {
		var comms message.Communities
		for _, c := range r.Communities {
			v, err := ParseCommunity(c)
			if err != nil {
				return nil, err
			}
			comms = append(comms, v)
		}
		attrs.Add(comms)
	}
	if len(r.LargeCommunities) > 0 {
		var comms message.LargeCommunities
		for _, c := range r.LargeCommunities {
			v, err := ParseLargeCommunity(c)
			if err != nil {
				return nil, err
			}
			comms = append(comms, v)
		}
		attrs.Add(comms)
	}
	if r.AIGP != nil {
		attrs.Add(message.AIGP(*r.AIGP))
	}

	nh := message.NextHopSelf(afi)
	if r.NextHop != "self" {
		addr, err := netip.ParseAddr(r.NextHop)
		if err != nil {
			return nil, err
		}
		nh = message.NewNextHop(addr)
	}
	return message.NewRoute(nlri, attrs, nh), nil
}

func buildLabels(in []uint32) []message.Label {
	out := make([]message.Label, len(in))
	for i, l := range in {
		out[i] = message.Label(l)
	}
	return out
}

// BuildFlow turns a validated flow stanza into a flow-spec Route.
func (f *FlowConfig) BuildFlow() (*message.Route, error) {
	afi := message.AFIIPv4
	if f.AFI == "ipv6" {
		afi = message.AFIIPv6
	}
	safi := message.SAFIFlowIP
	var rd message.RD
	if f.RD != "" {
		var err error
		rd, err = ParseRD(f.RD)
		if err != nil {
			return nil, err
		}
		safi = message.SAFIFlowVPN
	}

	var comp []message.FlowComponent
	if f.Destination != "" {
		p, _ := netip.ParsePrefix(f.Destination)
		comp = append(comp, message.NewFlowPrefix(message.FlowDestination, p))
	}
	if f.Source != "" {
		p, _ := netip.ParsePrefix(f.Source)
		comp = append(comp, message.NewFlowPrefix(message.FlowSource, p))
	}
	numeric := []struct {
		ctype  uint8
		values []uint32
	}{
		{message.FlowProtocol, f.Protocols},
		{message.FlowAnyPort, f.Ports},
		{message.FlowDestPort, f.DestinationPort},
		{message.FlowSourcePort, f.SourcePort},
		{message.FlowICMPType, f.ICMPTypes},
		{message.FlowICMPCode, f.ICMPCodes},
		{message.FlowTCPFlag, f.TCPFlags},
		{message.FlowPacketLen, f.PacketLengths},
		{message.FlowDSCP, f.DSCP},
		{message.FlowFragment, f.Fragments},
		{message.FlowLabel, f.FlowLabels},
	}
	for _, n := range numeric {
		if len(n.values) == 0 {
			continue
		}
		ops := make([]message.FlowOp, len(n.values))
		for i, v := range n.values {
			ops[i] = message.FlowOp{Op: message.FlowNumericEQ, Value: v}
		}
		comp = append(comp, message.NewFlowNumeric(n.ctype, ops))
	}

	attrs := message.NewAttributeCollection(message.OriginIGP, &message.ASPath{})
	if len(f.ExtendedCommunities) > 0 {
		var ext message.ExtCommunities
		for _, s := range f.ExtendedCommunities {
			e, err := parseExtCommunity(s)
			if err != nil {
				return nil, err
			}
			ext = append(ext, e)
		}
		attrs.Add(ext)
	}

	nlri := message.NewFlow(afi, safi, rd, comp)
	return message.NewRoute(nlri, attrs, message.NoNextHop), nil
}

func floatBits(f float32) uint32 { return math.Float32bits(f) }

// parseExtCommunity accepts the raw hex form "0x8006000000000000" or the
// rate-limit shorthand "rate-limit:N" (traffic-rate to N bytes/sec).
func parseExtCommunity(s string) (message.ExtCommunity, error) {
	var e message.ExtCommunity
	if v, ok := strings.CutPrefix(s, "rate-limit:"); ok {
		rate, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return e, fmt.Errorf("extended community %q: %w", s, err)
		}
		e[0], e[1] = 0x80, 0x06
		// float32 rate in the last 4 octets
		bits := floatBits(float32(rate))
		e[4] = uint8(bits >> 24)
		e[5] = uint8(bits >> 16)
		e[6] = uint8(bits >> 8)
		e[7] = uint8(bits)
		return e, nil
	}
	v, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return e, fmt.Errorf("extended community %q: want 0x... or rate-limit:N", s)
	}
	raw, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return e, fmt.Errorf("extended community %q: %w", s, err)
	}
	for i := 0; i < 8; i++ {
		e[7-i] = uint8(raw >> (8 * i))
	}
	return e, nil
}

package message

import (
	"encoding/binary"
	"net/netip"
)

// packMPNextHop encodes the next-hop field of MP_REACH_NLRI. The VPN
// families prefix the address with a zero route distinguisher.
func packMPNextHop(f Family, nh NextHop) []byte {
	var out []byte
	if f.SAFI == SAFIMPLSVPN {
		out = append(out, make([]byte, 8)...)
	}
	if nh.Addr.IsValid() {
		out = append(out, nh.Addr.AsSlice()...)
	}
	if nh.LinkLocal.IsValid() {
		out = append(out, nh.LinkLocal.AsSlice()...)
	}
	return out
}

// parseMPNextHop validates the next-hop length against the family and
// returns the global (and optional link-local) addresses. Labeled-VPN
// next-hops carry a route distinguisher that must be zero.
func parseMPNextHop(f Family, data []byte) (NextHop, error) {
	if f.SAFI == SAFIMPLSVPN {
		if len(data) != 12 && len(data) != 24 {
			return NoNextHop, Notifyf(CodeUpdateError, 9, "vpn next-hop length %d", len(data))
		}
		for _, b := range data[:8] {
			if b != 0 {
				return NoNextHop, Notifyf(CodeUpdateError, 0, "vpn next-hop carries non-zero rd")
			}
		}
		data = data[8:]
	}
	switch len(data) {
	case 0:
		return NoNextHop, nil
	case 4, 16:
		addr, _ := netip.AddrFromSlice(data)
		return NewNextHop(addr), nil
	case 32:
		global, _ := netip.AddrFromSlice(data[:16])
		ll, _ := netip.AddrFromSlice(data[16:])
		return NextHop{Addr: global, LinkLocal: ll}, nil
	}
	return NoNextHop, Notifyf(CodeUpdateError, 9, "next-hop length %d for %s", len(data), f)
}

// parseMPReach decodes MP_REACH_NLRI: AFI(2) SAFI(1) nhlen(1) nexthop
// reserved(1) NLRIs.
func parseMPReach(value []byte, neg *Negotiated) ([]RoutedNLRI, *Family, error) {
	if len(value) < 5 {
		return nil, nil, Notifyf(CodeUpdateError, 5, "mp-reach-nlri too short: %d", len(value))
	}
	f := Family{AFI(binary.BigEndian.Uint16(value[0:2])), SAFI(value[2])}
	if !f.Supported() || !neg.FamilyNegotiated(f) {
		return nil, nil, Notifyf(CodeUpdateError, 9, "family %s not negotiated", f)
	}
	nhLen := int(value[3])
	if 4+nhLen+1 > len(value) {
		return nil, nil, Notifyf(CodeUpdateError, 5, "mp-reach-nlri next-hop truncated")
	}
	nh, err := parseMPNextHop(f, value[4:4+nhLen])
	if err != nil {
		return nil, nil, err
	}
	// reserved octet
	rest := value[4+nhLen+1:]
	nlris, err := UnpackNLRI(f, rest, neg.AddPathRecv(f))
	if err != nil {
		return nil, nil, err
	}
	routed := make([]RoutedNLRI, len(nlris))
	for i, n := range nlris {
		routed[i] = RoutedNLRI{NLRI: n, NextHop: nh}
	}
	return routed, &f, nil
}

// parseMPUnreach decodes MP_UNREACH_NLRI: AFI(2) SAFI(1) NLRIs. Empty NLRI
// means End-of-RIB for that family.
func parseMPUnreach(value []byte, neg *Negotiated) ([]NLRI, *Family, error) {
	if len(value) < 3 {
		return nil, nil, Notifyf(CodeUpdateError, 5, "mp-unreach-nlri too short: %d", len(value))
	}
	f := Family{AFI(binary.BigEndian.Uint16(value[0:2])), SAFI(value[2])}
	if !f.Supported() || !neg.FamilyNegotiated(f) {
		return nil, nil, Notifyf(CodeUpdateError, 9, "family %s not negotiated", f)
	}
	nlris, err := UnpackNLRI(f, value[3:], neg.AddPathRecv(f))
	if err != nil {
		return nil, nil, err
	}
	return nlris, &f, nil
}

// packMPReachAttr frames one MP_REACH_NLRI attribute for a family and a
// single next-hop.
func packMPReachAttr(f Family, nh NextHop, nlris [][]byte) []byte {
	nexthop := packMPNextHop(f, nh)
	value := make([]byte, 0, 5+len(nexthop))
	value = binary.BigEndian.AppendUint16(value, uint16(f.AFI))
	value = append(value, uint8(f.SAFI), uint8(len(nexthop)))
	value = append(value, nexthop...)
	value = append(value, 0)
	for _, n := range nlris {
		value = append(value, n...)
	}
	return frameAttr(FlagOptional, AttrMPReachNLRI, value)
}

// packMPUnreachAttr frames one MP_UNREACH_NLRI attribute.
func packMPUnreachAttr(f Family, nlris [][]byte) []byte {
	value := make([]byte, 0, 3)
	value = binary.BigEndian.AppendUint16(value, uint16(f.AFI))
	value = append(value, uint8(f.SAFI))
	for _, n := range nlris {
		value = append(value, n...)
	}
	return frameAttr(FlagOptional, AttrMPUnreachNLRI, value)
}

func frameAttr(flags uint8, id AttributeID, value []byte) []byte {
	if len(value) >= 256 {
		out := make([]byte, 0, 4+len(value))
		out = append(out, flags|FlagExtended, uint8(id))
		out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
		return append(out, value...)
	}
	out := make([]byte, 0, 3+len(value))
	out = append(out, flags, uint8(id), uint8(len(value)))
	return append(out, value...)
}

// mpReachOverhead is the fixed cost of an MP_REACH attribute before NLRIs:
// worst-case 4-byte attribute header + afi/safi/nhlen + nexthop + reserved.
func mpReachOverhead(f Family, nh NextHop) int {
	return 4 + 4 + len(packMPNextHop(f, nh)) + 1
}

const mpUnreachOverhead = 4 + 3

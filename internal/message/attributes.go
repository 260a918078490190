package message

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Origin is the ORIGIN attribute (type 1).
type Origin uint8

const (
	OriginCodeIGP        Origin = 0
	OriginCodeEGP        Origin = 1
	OriginCodeIncomplete Origin = 2
)

// OriginIGP is the default supplied when an announce carries no ORIGIN.
var OriginIGP = OriginCodeIGP

func (o Origin) ID() AttributeID { return AttrOrigin }
func (o Origin) Flags() uint8    { return FlagTransitive }
func (o Origin) PackValue(neg *Negotiated) []byte {
	return []byte{uint8(o)}
}
func (o Origin) String() string {
	switch o {
	case OriginCodeIGP:
		return "origin igp"
	case OriginCodeEGP:
		return "origin egp"
	case OriginCodeIncomplete:
		return "origin incomplete"
	}
	return fmt.Sprintf("origin %d", uint8(o))
}

// AS_PATH segment types.
const (
	ASSet      uint8 = 1
	ASSequence uint8 = 2
)

// ASSegment is one AS_PATH segment.
type ASSegment struct {
	Type uint8
	ASNs []uint32
}

// ASPath is the AS_PATH attribute (type 2). Encoding width follows the
// negotiated ASN4 state; 4-octet ASNs on a 2-octet session become AS_TRANS
// with the real path carried in AS4_PATH.
type ASPath struct {
	Segments []ASSegment
}

func (p *ASPath) ID() AttributeID { return AttrASPath }
func (p *ASPath) Flags() uint8    { return FlagTransitive }

func (p *ASPath) PackValue(neg *Negotiated) []byte {
	asn4 := neg == nil || neg.ASN4
	return p.packSegments(asn4, false)
}

func (p *ASPath) packSegments(asn4, raw4 bool) []byte {
	var out []byte
	for _, seg := range p.Segments {
		out = append(out, seg.Type, uint8(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if asn4 || raw4 {
				out = binary.BigEndian.AppendUint32(out, asn)
			} else {
				if asn > 0xFFFF {
					asn = uint32(ASTrans)
				}
				out = binary.BigEndian.AppendUint16(out, uint16(asn))
			}
		}
	}
	return out
}

func (p *ASPath) has4ByteASN() bool {
	for _, seg := range p.Segments {
		for _, asn := range seg.ASNs {
			if asn > 0xFFFF {
				return true
			}
		}
	}
	return false
}

func (p *ASPath) asCount() int {
	n := 0
	for _, seg := range p.Segments {
		if seg.Type == ASSet {
			n++
		} else {
			n += len(seg.ASNs)
		}
	}
	return n
}

// truncate keeps the leading portion of the path covering n ASes.
func (p *ASPath) truncate(n int) *ASPath {
	out := &ASPath{}
	for _, seg := range p.Segments {
		if n <= 0 {
			break
		}
		width := len(seg.ASNs)
		if seg.Type == ASSet {
			width = 1
		}
		if width <= n {
			out.Segments = append(out.Segments, seg)
			n -= width
			continue
		}
		out.Segments = append(out.Segments, ASSegment{Type: seg.Type, ASNs: seg.ASNs[:n]})
		n = 0
	}
	return out
}

func (p *ASPath) String() string {
	var parts []string
	for _, seg := range p.Segments {
		var asns []string
		for _, a := range seg.ASNs {
			asns = append(asns, fmt.Sprintf("%d", a))
		}
		if seg.Type == ASSet {
			parts = append(parts, "("+strings.Join(asns, " ")+")")
		} else {
			parts = append(parts, strings.Join(asns, " "))
		}
	}
	return "as-path [" + strings.Join(parts, " ") + "]"
}

// as4Path wraps an ASPath for emission as AS4_PATH (type 17) alongside a
// 2-octet AS_PATH.
type as4Path struct{ path *ASPath }

func (p *as4Path) ID() AttributeID { return AttrAS4Path }
func (p *as4Path) Flags() uint8    { return FlagOptional | FlagTransitive }
func (p *as4Path) PackValue(neg *Negotiated) []byte {
	return p.path.packSegments(true, true)
}
func (p *as4Path) String() string { return "as4-path" }

func parseASPath(value []byte, asn4 bool) (*ASPath, error) {
	width := 2
	if asn4 {
		width = 4
	}
	p := &ASPath{}
	for len(value) > 0 {
		if len(value) < 2 {
			return nil, Notifyf(CodeUpdateError, 11, "truncated AS_PATH segment header")
		}
		segType := value[0]
		count := int(value[1])
		value = value[2:]
		if segType != ASSet && segType != ASSequence {
			return nil, Notifyf(CodeUpdateError, 11, "bad AS_PATH segment type %d", segType)
		}
		if len(value) < count*width {
			return nil, Notifyf(CodeUpdateError, 11, "truncated AS_PATH segment")
		}
		seg := ASSegment{Type: segType, ASNs: make([]uint32, count)}
		for i := 0; i < count; i++ {
			if asn4 {
				seg.ASNs[i] = binary.BigEndian.Uint32(value[i*4 : i*4+4])
			} else {
				seg.ASNs[i] = uint32(binary.BigEndian.Uint16(value[i*2 : i*2+2]))
			}
		}
		value = value[count*width:]
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

// NextHopAttr is the classic NEXT_HOP attribute (type 3), IPv4 only.
type NextHopAttr struct{ Addr netip.Addr }

func (n NextHopAttr) ID() AttributeID { return AttrNextHop }
func (n NextHopAttr) Flags() uint8    { return FlagTransitive }
func (n NextHopAttr) PackValue(neg *Negotiated) []byte {
	a := n.Addr.As4()
	return a[:]
}
func (n NextHopAttr) String() string { return "next-hop " + n.Addr.String() }

// MED is MULTI_EXIT_DISC (type 4).
type MED uint32

func (m MED) ID() AttributeID { return AttrMED }
func (m MED) Flags() uint8    { return FlagOptional }
func (m MED) PackValue(neg *Negotiated) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(m))
}
func (m MED) String() string { return fmt.Sprintf("med %d", uint32(m)) }

// LocalPref is LOCAL_PREF (type 5).
type LocalPref uint32

func (l LocalPref) ID() AttributeID { return AttrLocalPref }
func (l LocalPref) Flags() uint8    { return FlagTransitive }
func (l LocalPref) PackValue(neg *Negotiated) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(l))
}
func (l LocalPref) String() string { return fmt.Sprintf("local-preference %d", uint32(l)) }

// AtomicAggregate is ATOMIC_AGGREGATE (type 6), zero length.
type AtomicAggregate struct{}

func (AtomicAggregate) ID() AttributeID                  { return AttrAtomicAggregate }
func (AtomicAggregate) Flags() uint8                     { return FlagTransitive }
func (AtomicAggregate) PackValue(neg *Negotiated) []byte { return nil }
func (AtomicAggregate) String() string                   { return "atomic-aggregate" }

// Aggregator is AGGREGATOR (type 7): ASN plus aggregating router address.
// ASN width follows the negotiated ASN4 state.
type Aggregator struct {
	ASN  uint32
	Addr netip.Addr
}

func (a Aggregator) ID() AttributeID { return AttrAggregator }
func (a Aggregator) Flags() uint8    { return FlagOptional | FlagTransitive }
func (a Aggregator) PackValue(neg *Negotiated) []byte {
	ip := a.Addr.As4()
	if neg == nil || neg.ASN4 {
		out := binary.BigEndian.AppendUint32(nil, a.ASN)
		return append(out, ip[:]...)
	}
	asn := a.ASN
	if asn > 0xFFFF {
		asn = uint32(ASTrans)
	}
	out := binary.BigEndian.AppendUint16(nil, uint16(asn))
	return append(out, ip[:]...)
}
func (a Aggregator) String() string { return fmt.Sprintf("aggregator (%d:%s)", a.ASN, a.Addr) }

// AS4Aggregator is AGGREGATOR carried with a 4-octet ASN on a 2-octet
// session (type 18).
type AS4Aggregator Aggregator

func (a AS4Aggregator) ID() AttributeID { return AttrAS4Aggregator }
func (a AS4Aggregator) Flags() uint8    { return FlagOptional | FlagTransitive }
func (a AS4Aggregator) PackValue(neg *Negotiated) []byte {
	ip := a.Addr.As4()
	out := binary.BigEndian.AppendUint32(nil, a.ASN)
	return append(out, ip[:]...)
}
func (a AS4Aggregator) String() string {
	return fmt.Sprintf("as4-aggregator (%d:%s)", a.ASN, a.Addr)
}

// Communities is COMMUNITIES (type 8).
type Communities []uint32

func (c Communities) ID() AttributeID { return AttrCommunities }
func (c Communities) Flags() uint8    { return FlagOptional | FlagTransitive }
func (c Communities) PackValue(neg *Negotiated) []byte {
	out := make([]byte, 0, 4*len(c))
	for _, v := range c {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}
func (c Communities) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%d:%d", v>>16, v&0xFFFF)
	}
	return "community [" + strings.Join(parts, " ") + "]"
}

// OriginatorID is ORIGINATOR_ID (type 9).
type OriginatorID netip.Addr

func (o OriginatorID) ID() AttributeID { return AttrOriginatorID }
func (o OriginatorID) Flags() uint8    { return FlagOptional }
func (o OriginatorID) PackValue(neg *Negotiated) []byte {
	a := netip.Addr(o).As4()
	return a[:]
}
func (o OriginatorID) String() string { return "originator-id " + netip.Addr(o).String() }

// ClusterList is CLUSTER_LIST (type 10).
type ClusterList []netip.Addr

func (c ClusterList) ID() AttributeID { return AttrClusterList }
func (c ClusterList) Flags() uint8    { return FlagOptional }
func (c ClusterList) PackValue(neg *Negotiated) []byte {
	out := make([]byte, 0, 4*len(c))
	for _, a := range c {
		v := a.As4()
		out = append(out, v[:]...)
	}
	return out
}
func (c ClusterList) String() string {
	parts := make([]string, len(c))
	for i, a := range c {
		parts[i] = a.String()
	}
	return "cluster-list [" + strings.Join(parts, " ") + "]"
}

// ExtCommunity is one 8-octet extended community.
type ExtCommunity [8]byte

// ExtCommunities is EXTENDED_COMMUNITIES (type 16).
type ExtCommunities []ExtCommunity

func (c ExtCommunities) ID() AttributeID { return AttrExtCommunities }
func (c ExtCommunities) Flags() uint8    { return FlagOptional | FlagTransitive }
func (c ExtCommunities) PackValue(neg *Negotiated) []byte {
	out := make([]byte, 0, 8*len(c))
	for _, e := range c {
		out = append(out, e[:]...)
	}
	return out
}
func (c ExtCommunities) String() string {
	parts := make([]string, len(c))
	for i, e := range c {
		parts[i] = hex.EncodeToString(e[:])
	}
	return "extended-community [" + strings.Join(parts, " ") + "]"
}

// LargeCommunity is one RFC 8092 12-octet community.
type LargeCommunity struct {
	Global uint32
	Data1  uint32
	Data2  uint32
}

// LargeCommunities is LARGE_COMMUNITY (type 32).
type LargeCommunities []LargeCommunity

func (c LargeCommunities) ID() AttributeID { return AttrLargeCommunities }
func (c LargeCommunities) Flags() uint8    { return FlagOptional | FlagTransitive }
func (c LargeCommunities) PackValue(neg *Negotiated) []byte {
	out := make([]byte, 0, 12*len(c))
	for _, l := range c {
		out = binary.BigEndian.AppendUint32(out, l.Global)
		out = binary.BigEndian.AppendUint32(out, l.Data1)
		out = binary.BigEndian.AppendUint32(out, l.Data2)
	}
	return out
}
func (c LargeCommunities) String() string {
	parts := make([]string, len(c))
	for i, l := range c {
		parts[i] = fmt.Sprintf("%d:%d:%d", l.Global, l.Data1, l.Data2)
	}
	return "large-community [" + strings.Join(parts, " ") + "]"
}

// AIGP is the accumulated IGP metric attribute (type 26), carried as a
// single type-1 TLV.
type AIGP uint64

func (a AIGP) ID() AttributeID { return AttrAIGP }
func (a AIGP) Flags() uint8    { return FlagOptional }
func (a AIGP) PackValue(neg *Negotiated) []byte {
	out := []byte{1, 0, 11}
	return binary.BigEndian.AppendUint64(out, uint64(a))
}
func (a AIGP) String() string { return fmt.Sprintf("aigp %d", uint64(a)) }

// GenericAttribute preserves an unknown attribute verbatim so it round-trips
// without interpretation.
type GenericAttribute struct {
	Code  AttributeID
	Flag  uint8
	Value []byte
}

func (g *GenericAttribute) ID() AttributeID                  { return g.Code }
func (g *GenericAttribute) Flags() uint8                     { return g.Flag }
func (g *GenericAttribute) PackValue(neg *Negotiated) []byte { return g.Value }
func (g *GenericAttribute) String() string {
	return fmt.Sprintf("%s 0x%s", g.Code, hex.EncodeToString(g.Value))
}

func parseAttributeValue(id AttributeID, flags uint8, value []byte, neg *Negotiated) (Attribute, error) {
	switch id {
	case AttrOrigin:
		if len(value) != 1 {
			return nil, Notifyf(CodeUpdateError, 5, "origin length %d", len(value))
		}
		if value[0] > 2 {
			return nil, &Notify{Code: CodeUpdateError, Subcode: 6, Data: append([]byte(nil), value...)}
		}
		return Origin(value[0]), nil

	case AttrASPath:
		asn4 := neg == nil || neg.ASN4
		return parseASPath(value, asn4)

	case AttrNextHop:
		if len(value) != 4 {
			return nil, Notifyf(CodeUpdateError, 8, "next-hop length %d", len(value))
		}
		addr, _ := netip.AddrFromSlice(value)
		return NextHopAttr{Addr: addr}, nil

	case AttrMED:
		if len(value) != 4 {
			return nil, Notifyf(CodeUpdateError, 5, "med length %d", len(value))
		}
		return MED(binary.BigEndian.Uint32(value)), nil

	case AttrLocalPref:
		if len(value) != 4 {
			return nil, Notifyf(CodeUpdateError, 5, "local-preference length %d", len(value))
		}
		return LocalPref(binary.BigEndian.Uint32(value)), nil

	case AttrAtomicAggregate:
		if len(value) != 0 {
			return nil, Notifyf(CodeUpdateError, 5, "atomic-aggregate length %d", len(value))
		}
		return AtomicAggregate{}, nil

	case AttrAggregator, AttrAS4Aggregator:
		asn4 := id == AttrAS4Aggregator || neg == nil || neg.ASN4
		want := 6
		if asn4 {
			want = 8
		}
		if len(value) != want {
			return nil, Notifyf(CodeUpdateError, 5, "aggregator length %d", len(value))
		}
		var asn uint32
		if asn4 {
			asn = binary.BigEndian.Uint32(value[:4])
			value = value[4:]
		} else {
			asn = uint32(binary.BigEndian.Uint16(value[:2]))
			value = value[2:]
		}
		addr, _ := netip.AddrFromSlice(value)
		if id == AttrAS4Aggregator {
			return AS4Aggregator{ASN: asn, Addr: addr}, nil
		}
		return Aggregator{ASN: asn, Addr: addr}, nil

	case AttrCommunities:
		if len(value)%4 != 0 {
			return nil, Notifyf(CodeUpdateError, 5, "community length %d", len(value))
		}
		c := make(Communities, 0, len(value)/4)
		for i := 0; i+4 <= len(value); i += 4 {
			c = append(c, binary.BigEndian.Uint32(value[i:i+4]))
		}
		return c, nil

	case AttrOriginatorID:
		if len(value) != 4 {
			return nil, Notifyf(CodeUpdateError, 5, "originator-id length %d", len(value))
		}
		addr, _ := netip.AddrFromSlice(value)
		return OriginatorID(addr), nil

	case AttrClusterList:
		if len(value)%4 != 0 {
			return nil, Notifyf(CodeUpdateError, 5, "cluster-list length %d", len(value))
		}
		c := make(ClusterList, 0, len(value)/4)
		for i := 0; i+4 <= len(value); i += 4 {
			addr, _ := netip.AddrFromSlice(value[i : i+4])
			c = append(c, addr)
		}
		return c, nil

	case AttrExtCommunities:
		if len(value)%8 != 0 {
			return nil, Notifyf(CodeUpdateError, 5, "extended-community length %d", len(value))
		}
		c := make(ExtCommunities, 0, len(value)/8)
		for i := 0; i+8 <= len(value); i += 8 {
			var e ExtCommunity
			copy(e[:], value[i:i+8])
			c = append(c, e)
		}
		return c, nil

	case AttrLargeCommunities:
		if len(value)%12 != 0 {
			return nil, Notifyf(CodeUpdateError, 5, "large-community length %d", len(value))
		}
		c := make(LargeCommunities, 0, len(value)/12)
		for i := 0; i+12 <= len(value); i += 12 {
			c = append(c, LargeCommunity{
				Global: binary.BigEndian.Uint32(value[i : i+4]),
				Data1:  binary.BigEndian.Uint32(value[i+4 : i+8]),
				Data2:  binary.BigEndian.Uint32(value[i+8 : i+12]),
			})
		}
		return c, nil

	case AttrAIGP:
		if len(value) < 11 || value[0] != 1 {
			return nil, Notifyf(CodeUpdateError, 5, "aigp tlv malformed")
		}
		return AIGP(binary.BigEndian.Uint64(value[3:11])), nil
	}

	return &GenericAttribute{Code: id, Flag: flags, Value: append([]byte(nil), value...)}, nil
}

package message

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
)

// buildAttr constructs a single framed path attribute.
func buildAttr(flags byte, id AttributeID, data []byte) []byte {
	if len(data) > 255 {
		attr := make([]byte, 4+len(data))
		attr[0] = flags | 0x10
		attr[1] = byte(id)
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(data)))
		copy(attr[4:], data)
		return attr
	}
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = byte(id)
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

// buildUpdateBody assembles withdrawn | attrs | nlri with their length fields.
func buildUpdateBody(withdrawn, attrs, nlri []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attrs)))
	body = append(body, attrs...)
	body = append(body, nlri...)
	return body
}

func v4unicast() *Negotiated {
	return &Negotiated{Families: []Family{{AFIIPv4, SAFIUnicast}}, MsgSize: MaxMessageSize, ASN4: true}
}

func TestParseHeader(t *testing.T) {
	msg := Frame(TypeKeepalive, nil)
	length, mtype, err := ParseHeader(msg, MaxMessageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if length != 19 || mtype != TypeKeepalive {
		t.Errorf("expected (19, keepalive), got (%d, %s)", length, mtype)
	}
}

func TestParseHeader_BadMarker(t *testing.T) {
	msg := Frame(TypeKeepalive, nil)
	msg[3] = 0
	_, _, err := ParseHeader(msg, MaxMessageSize)
	n, ok := err.(*Notify)
	if !ok || n.Code != 1 || n.Subcode != 1 {
		t.Fatalf("expected Notify(1,1), got %v", err)
	}
}

func TestParseHeader_BadLength(t *testing.T) {
	msg := Frame(TypeUpdate, make([]byte, 10))
	binary.BigEndian.PutUint16(msg[16:18], 18) // below minimum
	_, _, err := ParseHeader(msg, MaxMessageSize)
	n, ok := err.(*Notify)
	if !ok || n.Code != 1 || n.Subcode != 2 {
		t.Fatalf("expected Notify(1,2), got %v", err)
	}
	// the offending length is echoed
	if len(n.Data) != 2 || binary.BigEndian.Uint16(n.Data) != 18 {
		t.Errorf("expected echoed length 18, got %x", n.Data)
	}
}

func TestParseHeader_BadType(t *testing.T) {
	msg := Frame(Type(9), nil)
	_, _, err := ParseHeader(msg, MaxMessageSize)
	n, ok := err.(*Notify)
	if !ok || n.Code != 1 || n.Subcode != 3 {
		t.Fatalf("expected Notify(1,3), got %v", err)
	}
}

// The minimal IPv4-unicast UPDATE: 10.0.0.0/24 via 192.168.1.1, origin IGP,
// empty AS_PATH, MED 100 — 48 bytes total.
func TestEncodeMinimalUpdate(t *testing.T) {
	attrs := NewAttributeCollection(
		OriginCodeIGP,
		&ASPath{},
		MED(100),
	)
	nh := NewNextHop(netip.MustParseAddr("192.168.1.1"))
	u := NewUpdateCollection(
		[]RoutedNLRI{{NLRI: NewPrefix(AFIIPv4, SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 0), NextHop: nh}},
		nil, attrs)

	msgs, err := u.Messages(v4unicast())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if len(m) != 48 {
		t.Fatalf("expected 48 bytes, got %d: %x", len(m), m)
	}
	body := m[HeaderSize:]
	want := buildUpdateBody(nil,
		bytes.Join([][]byte{
			buildAttr(0x40, AttrOrigin, []byte{0}),
			buildAttr(0x40, AttrASPath, nil),
			buildAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1}),
			buildAttr(0x80, AttrMED, []byte{0, 0, 0, 100}),
		}, nil),
		[]byte{24, 10, 0, 0},
	)
	if !bytes.Equal(body, want) {
		t.Errorf("body mismatch\n got %x\nwant %x", body, want)
	}
}

func TestParseUpdate_RoundTrip(t *testing.T) {
	neg := v4unicast()
	attrs := NewAttributeCollection(
		OriginCodeIGP,
		&ASPath{Segments: []ASSegment{{Type: ASSequence, ASNs: []uint32{65000, 65001}}}},
		MED(100),
		Communities{65000<<16 | 1, 65000<<16 | 2},
	)
	nh := NewNextHop(netip.MustParseAddr("192.168.1.1"))
	u := NewUpdateCollection(
		[]RoutedNLRI{{NLRI: NewPrefix(AFIIPv4, SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 0), NextHop: nh}},
		[]NLRI{NewPrefix(AFIIPv4, SAFIUnicast, netip.MustParsePrefix("172.16.0.0/16"), 0)},
		attrs)

	msgs, err := u.Messages(neg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	parsed, err := ParseUpdate(msgs[0][HeaderSize:], neg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Announces) != 1 {
		t.Fatalf("expected 1 announce, got %d", len(parsed.Announces))
	}
	if parsed.Announces[0].NLRI.String() != "10.0.0.0/24" {
		t.Errorf("announce mismatch: %s", parsed.Announces[0].NLRI)
	}
	if parsed.Announces[0].NextHop.Addr != nh.Addr {
		t.Errorf("next-hop mismatch: %s", parsed.Announces[0].NextHop)
	}
	if len(parsed.Withdraws) != 1 || parsed.Withdraws[0].String() != "172.16.0.0/16" {
		t.Fatalf("withdraw mismatch: %v", parsed.Withdraws)
	}
	med, ok := parsed.Attributes.Get(AttrMED)
	if !ok || med.(MED) != 100 {
		t.Errorf("expected MED 100, got %v", med)
	}
	path, _ := parsed.Attributes.Get(AttrASPath)
	asp := path.(*ASPath)
	if len(asp.Segments) != 1 || asp.Segments[0].ASNs[1] != 65001 {
		t.Errorf("as-path mismatch: %s", asp)
	}
	comms, _ := parsed.Attributes.Get(AttrCommunities)
	if len(comms.(Communities)) != 2 {
		t.Errorf("communities mismatch: %s", comms)
	}
}

func TestEOR_IPv4(t *testing.T) {
	m := EOR(Family{AFIIPv4, SAFIUnicast})
	if !bytes.Equal(m[HeaderSize:], []byte{0, 0, 0, 0}) {
		t.Fatalf("ipv4 EOR payload must be four zero octets, got %x", m[HeaderSize:])
	}
	u, err := ParseUpdate(m[HeaderSize:], v4unicast())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.EORFamily == nil || *u.EORFamily != (Family{AFIIPv4, SAFIUnicast}) {
		t.Errorf("expected ipv4 unicast EOR, got %v", u.EORFamily)
	}
}

func TestEOR_MP(t *testing.T) {
	f := Family{AFIIPv6, SAFIUnicast}
	m := EOR(f)
	u, err := ParseUpdate(m[HeaderSize:], &Negotiated{Families: []Family{f}, MsgSize: MaxMessageSize})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.EORFamily == nil || *u.EORFamily != f {
		t.Errorf("expected ipv6 unicast EOR, got %v", u.EORFamily)
	}
}

func TestParseUpdate_MissingNextHop(t *testing.T) {
	attrs := buildAttr(0x40, AttrOrigin, []byte{0})
	body := buildUpdateBody(nil, attrs, []byte{24, 10, 0, 0})
	_, err := ParseUpdate(body, v4unicast())
	n, ok := err.(*Notify)
	if !ok || n.Code != 3 || n.Subcode != 5 {
		t.Fatalf("expected Notify(3,5), got %v", err)
	}
}

func TestParseUpdate_DuplicateWellKnown(t *testing.T) {
	attrs := append(buildAttr(0x40, AttrOrigin, []byte{0}), buildAttr(0x40, AttrOrigin, []byte{1})...)
	body := buildUpdateBody(nil, attrs, nil)
	_, err := ParseUpdate(body, v4unicast())
	n, ok := err.(*Notify)
	if !ok || n.Code != 3 || n.Subcode != 1 {
		t.Fatalf("expected Notify(3,1), got %v", err)
	}
}

func TestParseUpdate_AttributeLengthMismatch(t *testing.T) {
	attrs := []byte{0x40, byte(AttrOrigin), 4, 0} // claims 4 bytes, has 1
	body := buildUpdateBody(nil, attrs, nil)
	_, err := ParseUpdate(body, v4unicast())
	n, ok := err.(*Notify)
	if !ok || n.Code != 3 || n.Subcode != 5 {
		t.Fatalf("expected Notify(3,5), got %v", err)
	}
}

// A malformed MED demotes the whole UPDATE to withdraws; the session stays
// up (RFC 7606).
func TestParseUpdate_TreatAsWithdraw(t *testing.T) {
	attrs := bytes.Join([][]byte{
		buildAttr(0x40, AttrOrigin, []byte{0}),
		buildAttr(0x40, AttrASPath, nil),
		buildAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1}),
		buildAttr(0x80, AttrMED, []byte{0, 0, 100}), // bad length
	}, nil)
	body := buildUpdateBody(nil, attrs, []byte{24, 10, 0, 0})
	u, err := ParseUpdate(body, v4unicast())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.TreatAsWithdraw == nil {
		t.Fatal("expected treat-as-withdraw to be flagged")
	}
	if len(u.Announces) != 0 {
		t.Errorf("expected announces demoted, got %d", len(u.Announces))
	}
	if len(u.Withdraws) != 1 || u.Withdraws[0].String() != "10.0.0.0/24" {
		t.Errorf("expected the NLRI as withdraw, got %v", u.Withdraws)
	}
}

func TestParseUpdate_UnknownAttributeRoundTrip(t *testing.T) {
	neg := v4unicast()
	unknown := buildAttr(0xC0, AttributeID(99), []byte{0xDE, 0xAD})
	attrs := bytes.Join([][]byte{
		buildAttr(0x40, AttrOrigin, []byte{0}),
		buildAttr(0x40, AttrASPath, nil),
		buildAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1}),
		unknown,
	}, nil)
	body := buildUpdateBody(nil, attrs, []byte{24, 10, 0, 0})
	u, err := ParseUpdate(body, neg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, ok := u.Attributes.Get(AttributeID(99))
	if !ok {
		t.Fatal("unknown attribute not retained")
	}
	if !bytes.Equal(PackAttribute(a, neg), unknown) {
		t.Errorf("unknown attribute does not round-trip: %x", PackAttribute(a, neg))
	}
}

// RFC 4893 §4.2.3: a 2-octet session merges AS_PATH with AS4_PATH.
func TestParseUpdate_AS4PathMerge(t *testing.T) {
	neg := &Negotiated{Families: []Family{{AFIIPv4, SAFIUnicast}}, MsgSize: MaxMessageSize, ASN4: false}

	// AS_PATH (2-octet): 65000 23456 23456 ; AS4_PATH: 131072 131073
	asPath := []byte{ASSequence, 3, 0xFD, 0xE8, 0x5B, 0xA0, 0x5B, 0xA0}
	as4Path := []byte{ASSequence, 2, 0, 2, 0, 0, 0, 2, 0, 1}
	attrs := bytes.Join([][]byte{
		buildAttr(0x40, AttrOrigin, []byte{0}),
		buildAttr(0x40, AttrASPath, asPath),
		buildAttr(0x40, AttrNextHop, []byte{192, 168, 1, 1}),
		buildAttr(0xC0, AttrAS4Path, as4Path),
	}, nil)
	body := buildUpdateBody(nil, attrs, []byte{24, 10, 0, 0})
	u, err := ParseUpdate(body, neg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := u.Attributes.Get(AttrASPath)
	path := a.(*ASPath)
	var flat []uint32
	for _, seg := range path.Segments {
		flat = append(flat, seg.ASNs...)
	}
	want := []uint32{65000, 131072, 131073}
	if len(flat) != len(want) {
		t.Fatalf("merged path length %d, want %d (%v)", len(flat), len(want), flat)
	}
	for i := range want {
		if flat[i] != want[i] {
			t.Errorf("merged path[%d] = %d, want %d", i, flat[i], want[i])
		}
	}
}

func TestParseUpdate_MPReachIPv6(t *testing.T) {
	f := Family{AFIIPv6, SAFIUnicast}
	neg := &Negotiated{Families: []Family{f}, MsgSize: MaxMessageSize}

	nh := netip.MustParseAddr("2001:db8::1").As16()
	mp := []byte{0, 2, 1, 16}
	mp = append(mp, nh[:]...)
	mp = append(mp, 0)           // reserved
	mp = append(mp, 32, 0x20, 0x01, 0x0d, 0xb8) // 2001:db8::/32

	attrs := bytes.Join([][]byte{
		buildAttr(0x40, AttrOrigin, []byte{0}),
		buildAttr(0x40, AttrASPath, nil),
		buildAttr(0x80, AttrMPReachNLRI, mp),
	}, nil)
	body := buildUpdateBody(nil, attrs, nil)
	u, err := ParseUpdate(body, neg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.Announces) != 1 {
		t.Fatalf("expected 1 announce, got %d", len(u.Announces))
	}
	if u.Announces[0].NLRI.String() != "2001:db8::/32" {
		t.Errorf("prefix mismatch: %s", u.Announces[0].NLRI)
	}
	if u.Announces[0].NextHop.Addr != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("next-hop mismatch: %s", u.Announces[0].NextHop)
	}
}

func TestParseUpdate_MPReachFamilyNotNegotiated(t *testing.T) {
	neg := &Negotiated{Families: []Family{{AFIIPv4, SAFIUnicast}}, MsgSize: MaxMessageSize}
	mp := []byte{0, 2, 1, 4, 192, 168, 1, 1, 0, 24, 10, 0, 0}
	attrs := buildAttr(0x80, AttrMPReachNLRI, mp)
	body := buildUpdateBody(nil, attrs, nil)
	if _, err := ParseUpdate(body, neg); err == nil {
		t.Fatal("expected error for family mismatch with negotiated")
	}
}

// A 12-byte VPN next-hop must carry a zero route distinguisher.
func TestParseUpdate_VPNNextHopNonZeroRD(t *testing.T) {
	f := Family{AFIIPv4, SAFIMPLSVPN}
	neg := &Negotiated{Families: []Family{f}, MsgSize: MaxMessageSize}
	nexthop := make([]byte, 12)
	nexthop[0] = 1 // non-zero RD
	copy(nexthop[8:], []byte{192, 168, 1, 1})
	mp := []byte{0, 1, 128, 12}
	mp = append(mp, nexthop...)
	mp = append(mp, 0)
	attrs := buildAttr(0x80, AttrMPReachNLRI, mp)
	body := buildUpdateBody(nil, attrs, nil)
	_, err := ParseUpdate(body, neg)
	n, ok := err.(*Notify)
	if !ok || n.Code != 3 {
		t.Fatalf("expected Notify(3,*), got %v", err)
	}
}

func TestAddPathPrefix(t *testing.T) {
	p := NewPrefix(AFIIPv4, SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 42)
	packed := p.Pack(true)
	want := []byte{0, 0, 0, 42, 24, 10, 0, 0}
	if !bytes.Equal(packed, want) {
		t.Fatalf("addpath pack mismatch: got %x want %x", packed, want)
	}
	nlris, err := UnpackNLRI(Family{AFIIPv4, SAFIUnicast}, packed, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nlris) != 1 || nlris[0].PathID() != 42 {
		t.Fatalf("expected path-id 42, got %v", nlris)
	}
}

func TestLabeledPrefixRoundTrip(t *testing.T) {
	l := NewLabeled(AFIIPv4, netip.MustParsePrefix("10.1.0.0/16"), []Label{100, 200}, 0)
	packed := l.Pack(false)
	nlris, err := UnpackNLRI(Family{AFIIPv4, SAFILabeled}, packed, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlris[0].(*Labeled)
	if got.Addr() != netip.MustParsePrefix("10.1.0.0/16") {
		t.Errorf("prefix mismatch: %s", got.Addr())
	}
	if len(got.Labels()) != 2 || got.Labels()[0] != 100 || got.Labels()[1] != 200 {
		t.Errorf("labels mismatch: %v", got.Labels())
	}
}

func TestVPNPrefixRoundTrip(t *testing.T) {
	rd := NewRD(65000, 100)
	v := NewVPN(AFIIPv4, netip.MustParsePrefix("10.2.0.0/24"), []Label{500}, rd, 0)
	packed := v.Pack(false)
	nlris, err := UnpackNLRI(Family{AFIIPv4, SAFIMPLSVPN}, packed, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlris[0].(*VPN)
	if got.RD() != rd {
		t.Errorf("rd mismatch: %s", got.RD())
	}
	if got.RD().String() != "65000:100" {
		t.Errorf("rd string mismatch: %s", got.RD())
	}
	if got.Addr() != netip.MustParsePrefix("10.2.0.0/24") {
		t.Errorf("prefix mismatch: %s", got.Addr())
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	n := &Notification{Code: 6, Subcode: 2, Data: []byte("bye")}
	parsed, err := ParseNotification(n.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Code != 6 || parsed.Subcode != 2 || string(parsed.Data) != "bye" {
		t.Errorf("round-trip mismatch: %+v", parsed)
	}
}

func TestRouteRefreshRoundTrip(t *testing.T) {
	r := &RouteRefresh{Family: Family{AFIIPv4, SAFIUnicast}, Subtype: RefreshBegin}
	parsed, err := ParseRouteRefresh(r.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Family != r.Family || parsed.Subtype != RefreshBegin {
		t.Errorf("round-trip mismatch: %+v", parsed)
	}
}

func TestOperationalRoundTrip(t *testing.T) {
	ops := []*Operational{
		{Category: OperationalADM, Family: Family{AFIIPv4, SAFIUnicast}, Data: []byte("maintenance tonight")},
		{Category: OperationalRPCQ, Family: Family{AFIIPv4, SAFIUnicast}, RouterID: netip.MustParseAddr("1.1.1.1"), Sequence: 7},
		{Category: OperationalAPCP, Family: Family{AFIIPv6, SAFIUnicast}, RouterID: netip.MustParseAddr("2.2.2.2"), Sequence: 9, Counter: 1234},
	}
	for _, op := range ops {
		parsed, err := ParseOperational(op.Pack())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", op.Category, err)
		}
		if parsed.Category != op.Category || parsed.Family != op.Family {
			t.Errorf("%s: category/family mismatch", op.Category)
		}
		if string(parsed.Data) != string(op.Data) || parsed.Sequence != op.Sequence || parsed.Counter != op.Counter {
			t.Errorf("%s: payload mismatch: %+v", op.Category, parsed)
		}
	}
}

package message

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Attribute flag bits.
const (
	FlagOptional   uint8 = 0x80
	FlagTransitive uint8 = 0x40
	FlagPartial    uint8 = 0x20
	FlagExtended   uint8 = 0x10
)

// AttributeID is the path attribute type code.
type AttributeID uint8

const (
	AttrOrigin           AttributeID = 1
	AttrASPath           AttributeID = 2
	AttrNextHop          AttributeID = 3
	AttrMED              AttributeID = 4
	AttrLocalPref        AttributeID = 5
	AttrAtomicAggregate  AttributeID = 6
	AttrAggregator       AttributeID = 7
	AttrCommunities      AttributeID = 8
	AttrOriginatorID     AttributeID = 9
	AttrClusterList      AttributeID = 10
	AttrMPReachNLRI      AttributeID = 14
	AttrMPUnreachNLRI    AttributeID = 15
	AttrExtCommunities   AttributeID = 16
	AttrAS4Path          AttributeID = 17
	AttrAS4Aggregator    AttributeID = 18
	AttrAIGP             AttributeID = 26
	AttrLargeCommunities AttributeID = 32
)

var attributeNames = map[AttributeID]string{
	AttrOrigin:           "origin",
	AttrASPath:           "as-path",
	AttrNextHop:          "next-hop",
	AttrMED:              "med",
	AttrLocalPref:        "local-preference",
	AttrAtomicAggregate:  "atomic-aggregate",
	AttrAggregator:       "aggregator",
	AttrCommunities:      "community",
	AttrOriginatorID:     "originator-id",
	AttrClusterList:      "cluster-list",
	AttrMPReachNLRI:      "mp-reach-nlri",
	AttrMPUnreachNLRI:    "mp-unreach-nlri",
	AttrExtCommunities:   "extended-community",
	AttrAS4Path:          "as4-path",
	AttrAS4Aggregator:    "as4-aggregator",
	AttrAIGP:             "aigp",
	AttrLargeCommunities: "large-community",
}

func (id AttributeID) String() string {
	if n, ok := attributeNames[id]; ok {
		return n
	}
	return fmt.Sprintf("attribute(%d)", uint8(id))
}

// Attribute is one path attribute. Implementations are immutable; the wire
// framing (flags, type, length) is produced by PackAttribute so the
// extended-length bit is set exactly when the value requires it.
type Attribute interface {
	ID() AttributeID
	Flags() uint8
	PackValue(neg *Negotiated) []byte
	String() string
}

// PackAttribute frames a single attribute. The extended-length flag is set
// automatically for values of 256 octets or more.
func PackAttribute(a Attribute, neg *Negotiated) []byte {
	value := a.PackValue(neg)
	flags := a.Flags() &^ FlagExtended
	if len(value) >= 256 {
		flags |= FlagExtended
		out := make([]byte, 0, 4+len(value))
		out = append(out, flags, uint8(a.ID()))
		out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
		return append(out, value...)
	}
	out := make([]byte, 0, 3+len(value))
	out = append(out, flags, uint8(a.ID()), uint8(len(value)))
	return append(out, value...)
}

// AttributeCollection maps attribute id to one attribute. Insertion order is
// insignificant; wire emission is in ascending attribute id.
type AttributeCollection struct {
	attrs map[AttributeID]Attribute
}

func NewAttributeCollection(attrs ...Attribute) *AttributeCollection {
	c := &AttributeCollection{attrs: make(map[AttributeID]Attribute, len(attrs))}
	for _, a := range attrs {
		c.attrs[a.ID()] = a
	}
	return c
}

func (c *AttributeCollection) Add(a Attribute) { c.attrs[a.ID()] = a }

func (c *AttributeCollection) Get(id AttributeID) (Attribute, bool) {
	a, ok := c.attrs[id]
	return a, ok
}

func (c *AttributeCollection) Has(id AttributeID) bool {
	_, ok := c.attrs[id]
	return ok
}

func (c *AttributeCollection) Len() int { return len(c.attrs) }

func (c *AttributeCollection) ids() []AttributeID {
	ids := make([]AttributeID, 0, len(c.attrs))
	for id := range c.attrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pack emits every attribute except the MP pair (those are framed by the
// UPDATE packer per family) in ascending id order. With defaults, missing
// mandatory ORIGIN and AS_PATH are supplied (IGP, empty). When the session
// did not negotiate ASN4 and the path contains 4-octet ASNs, an AS4_PATH is
// appended alongside the truncated AS_PATH.
func (c *AttributeCollection) Pack(neg *Negotiated, withDefaults bool) []byte {
	var out []byte

	if withDefaults {
		if !c.Has(AttrOrigin) {
			out = append(out, PackAttribute(OriginIGP, neg)...)
		}
		if !c.Has(AttrASPath) {
			out = append(out, PackAttribute(&ASPath{}, neg)...)
		}
	}

	emitted := map[AttributeID][]byte{}
	for _, id := range c.ids() {
		if id == AttrMPReachNLRI || id == AttrMPUnreachNLRI {
			continue
		}
		a := c.attrs[id]
		emitted[id] = PackAttribute(a, neg)
		if id == AttrASPath && neg != nil && !neg.ASN4 {
			if p, ok := a.(*ASPath); ok && p.has4ByteASN() && !c.Has(AttrAS4Path) {
				emitted[AttrAS4Path] = PackAttribute(&as4Path{p}, neg)
			}
		}
	}
	ids := make([]AttributeID, 0, len(emitted))
	for id := range emitted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, emitted[id]...)
	}
	return out
}

// Index is the grouping key: two collections with equal Index pack to the
// same wire bytes and may share one UPDATE.
func (c *AttributeCollection) Index(neg *Negotiated) string {
	return string(c.Pack(neg, true))
}

func (c *AttributeCollection) String() string {
	var parts []string
	for _, id := range c.ids() {
		parts = append(parts, c.attrs[id].String())
	}
	return strings.Join(parts, " ")
}

// attributeCache hashconses parsed attributes so that identical wire bytes
// share one in-memory value across RIBs and peers.
var attributeCache = struct {
	sync.Mutex
	m map[string]Attribute
}{m: make(map[string]Attribute)}

func cachedAttribute(key string, build func() (Attribute, error)) (Attribute, error) {
	attributeCache.Lock()
	if a, ok := attributeCache.m[key]; ok {
		attributeCache.Unlock()
		return a, nil
	}
	attributeCache.Unlock()
	a, err := build()
	if err != nil {
		return nil, err
	}
	attributeCache.Lock()
	attributeCache.m[key] = a
	attributeCache.Unlock()
	return a, nil
}

// mpInfo carries the multiprotocol announce/withdraw payloads extracted
// while walking the attribute section.
type mpInfo struct {
	reach         []RoutedNLRI
	unreach       []NLRI
	reachFamily   *Family
	unreachFamily *Family
}

// wellKnownFlags is the expected flag setting (ignoring partial and
// extended-length) per attribute id, used for the RFC 4271 flag checks.
var wellKnownFlags = map[AttributeID]uint8{
	AttrOrigin:           FlagTransitive,
	AttrASPath:           FlagTransitive,
	AttrNextHop:          FlagTransitive,
	AttrMED:              FlagOptional,
	AttrLocalPref:        FlagTransitive,
	AttrAtomicAggregate:  FlagTransitive,
	AttrAggregator:       FlagOptional | FlagTransitive,
	AttrCommunities:      FlagOptional | FlagTransitive,
	AttrOriginatorID:     FlagOptional,
	AttrClusterList:      FlagOptional,
	AttrMPReachNLRI:      FlagOptional,
	AttrMPUnreachNLRI:    FlagOptional,
	AttrExtCommunities:   FlagOptional | FlagTransitive,
	AttrAS4Path:          FlagOptional | FlagTransitive,
	AttrAS4Aggregator:    FlagOptional | FlagTransitive,
	AttrAIGP:             FlagOptional,
	AttrLargeCommunities: FlagOptional | FlagTransitive,
}

// parseAttributes walks the path attribute section. Fatal framing faults
// return a session-level *Notify. Recoverable value faults (RFC 7606) are
// returned in treatAsWithdraw: parsing continues and the caller demotes the
// UPDATE's announces to withdraws.
func parseAttributes(data []byte, neg *Negotiated) (c *AttributeCollection, mp *mpInfo, treatAsWithdraw *Notify, fatal error) {
	c = NewAttributeCollection()
	mp = &mpInfo{}
	var as4 *ASPath

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, nil, nil, Notifyf(CodeUpdateError, 1, "attribute header truncated at offset %d", offset)
		}
		flags := data[offset]
		id := AttributeID(data[offset+1])
		offset += 2

		var attrLen int
		if flags&FlagExtended != 0 {
			if offset+2 > len(data) {
				return nil, nil, nil, Notifyf(CodeUpdateError, 5, "extended attribute length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, nil, nil, Notifyf(CodeUpdateError, 5, "attribute length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}
		if offset+attrLen > len(data) {
			return nil, nil, nil, Notifyf(CodeUpdateError, 5, "attribute %s length %d exceeds data", id, attrLen)
		}
		value := data[offset : offset+attrLen]
		offset += attrLen

		if c.Has(id) {
			// Duplicate well-known attributes are a malformed attribute list.
			if flags&FlagOptional == 0 {
				return nil, nil, nil, Notifyf(CodeUpdateError, 1, "duplicate attribute %s", id)
			}
			continue
		}

		if want, ok := wellKnownFlags[id]; ok {
			if flags&(FlagOptional|FlagTransitive) != want {
				data := append([]byte{flags, uint8(id)}, value...)
				n := &Notify{Code: CodeUpdateError, Subcode: 4, Data: data}
				if recoverableAttributeFault(id) {
					treatAsWithdraw = n
					continue
				}
				return nil, nil, nil, n
			}
		}

		switch id {
		case AttrMPReachNLRI:
			routed, fam, err := parseMPReach(value, neg)
			if err != nil {
				return nil, nil, nil, err
			}
			mp.reach = routed
			mp.reachFamily = fam
			c.Add(&mpMarker{id: AttrMPReachNLRI})
		case AttrMPUnreachNLRI:
			nlris, fam, err := parseMPUnreach(value, neg)
			if err != nil {
				return nil, nil, nil, err
			}
			mp.unreach = nlris
			mp.unreachFamily = fam
			c.Add(&mpMarker{id: AttrMPUnreachNLRI})
		case AttrAS4Path:
			p, err := parseASPath(value, true)
			if err != nil {
				// RFC 7606: AS4_PATH faults never take the session down.
				treatAsWithdraw = Notifyf(CodeUpdateError, 9, "malformed AS4_PATH")
				continue
			}
			as4 = p
		default:
			// The ASN width changes how AS_PATH and AGGREGATOR bytes decode,
			// so it is part of the cache identity.
			asn4 := byte(0)
			if neg == nil || neg.ASN4 {
				asn4 = 1
			}
			key := string(append([]byte{asn4, flags, uint8(id)}, value...))
			a, err := cachedAttribute(key, func() (Attribute, error) {
				return parseAttributeValue(id, flags, value, neg)
			})
			if err != nil {
				n, ok := err.(*Notify)
				if !ok {
					return nil, nil, nil, err
				}
				if recoverableAttributeFault(id) {
					treatAsWithdraw = n
					continue
				}
				return nil, nil, nil, n
			}
			c.Add(a)
		}
	}

	mergeAS4Path(c, as4, neg)
	return c, mp, treatAsWithdraw, nil
}

// recoverableAttributeFault implements the RFC 7606 classification: faults
// in these attributes demote the UPDATE to withdraws instead of dropping
// the session.
func recoverableAttributeFault(id AttributeID) bool {
	switch id {
	case AttrOrigin, AttrMED, AttrLocalPref, AttrCommunities, AttrExtCommunities,
		AttrLargeCommunities, AttrAggregator, AttrAS4Aggregator, AttrAtomicAggregate,
		AttrOriginatorID, AttrClusterList, AttrAIGP:
		return true
	}
	return false
}

// mergeAS4Path reconstructs the effective path per RFC 4893 §4.2.3 when the
// session is not ASN4 and both AS_PATH and AS4_PATH were received.
func mergeAS4Path(c *AttributeCollection, as4 *ASPath, neg *Negotiated) {
	if as4 == nil || (neg != nil && neg.ASN4) {
		return
	}
	a, ok := c.Get(AttrASPath)
	if !ok {
		return
	}
	path, ok := a.(*ASPath)
	if !ok {
		return
	}
	if path.asCount() < as4.asCount() {
		return
	}
	keep := path.asCount() - as4.asCount()
	merged := path.truncate(keep)
	merged.Segments = append(merged.Segments, as4.Segments...)
	c.Add(merged)
}

// mpMarker records the presence of an MP attribute in the collection so
// grouping and mandatory-attribute logic can see it; the payload itself is
// surfaced through the UpdateCollection announce/withdraw lists.
type mpMarker struct{ id AttributeID }

func (m *mpMarker) ID() AttributeID                   { return m.id }
func (m *mpMarker) Flags() uint8                      { return FlagOptional }
func (m *mpMarker) PackValue(neg *Negotiated) []byte  { return nil }
func (m *mpMarker) String() string                    { return m.id.String() }

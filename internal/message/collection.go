package message

import (
	"encoding/binary"
	"errors"
	"sort"
)

// ErrAttributesTooLarge is reported when the packed attribute set alone
// exceeds the negotiated message size; no UPDATE can be produced for the
// affected NLRIs.
var ErrAttributesTooLarge = errors.New("message: attribute set exceeds negotiated message size")

// UpdateCollection is the semantic payload of an UPDATE: announces (NLRI +
// next-hop), withdraws, and one shared attribute set. A single collection
// may fragment into several on-wire UPDATEs when the encoding exceeds the
// negotiated message size.
type UpdateCollection struct {
	Announces  []RoutedNLRI
	Withdraws  []NLRI
	Attributes *AttributeCollection

	// EORFamily is set when this UPDATE is an End-of-RIB marker.
	EORFamily *Family

	// TreatAsWithdraw records the RFC 7606 fault that demoted this UPDATE's
	// announces to withdraws, when one occurred.
	TreatAsWithdraw *Notify
}

func NewUpdateCollection(announces []RoutedNLRI, withdraws []NLRI, attrs *AttributeCollection) *UpdateCollection {
	if attrs == nil {
		attrs = NewAttributeCollection()
	}
	return &UpdateCollection{Announces: announces, Withdraws: withdraws, Attributes: attrs}
}

// EOR builds the End-of-RIB UPDATE for a family: the literal four zero
// octets for IPv4 unicast, an empty extended-length MP_UNREACH_NLRI for
// every other family (RFC 4724).
func EOR(f Family) []byte {
	if f.AFI == AFIIPv4 && f.SAFI == SAFIUnicast {
		return Frame(TypeUpdate, []byte{0, 0, 0, 0})
	}
	body := []byte{
		0, 0, // withdrawn routes length
		0, 7, // total path attribute length
		FlagOptional | FlagExtended, uint8(AttrMPUnreachNLRI), 0, 3,
		uint8(f.AFI >> 8), uint8(f.AFI), uint8(f.SAFI),
	}
	return Frame(TypeUpdate, body)
}

// IsEOR recognizes an End-of-RIB UPDATE body.
func IsEOR(body []byte) (Family, bool) {
	if len(body) == 4 && body[0] == 0 && body[1] == 0 && body[2] == 0 && body[3] == 0 {
		return Family{AFIIPv4, SAFIUnicast}, true
	}
	if len(body) == 11 &&
		binary.BigEndian.Uint16(body[0:2]) == 0 &&
		binary.BigEndian.Uint16(body[2:4]) == 7 &&
		body[5] == uint8(AttrMPUnreachNLRI) {
		return Family{AFI(binary.BigEndian.Uint16(body[8:10])), SAFI(body[10])}, true
	}
	return Family{}, false
}

// Messages packs the collection into complete framed UPDATE messages, each
// no longer than the negotiated message size. Announces sharing this
// collection's attribute set travel together; overflow starts a new message
// carrying the same attribute bytes. IPv4 unicast/multicast NLRIs with an
// IPv4 next-hop use the classic areas; every other family is emitted
// through MP_REACH_NLRI / MP_UNREACH_NLRI, one family per attribute, one
// next-hop per MP_REACH.
func (u *UpdateCollection) Messages(neg *Negotiated) ([][]byte, error) {
	if u.EORFamily != nil {
		return [][]byte{EOR(*u.EORFamily)}, nil
	}

	msgSize := neg.maxMessageSize()

	var v4Announces []RoutedNLRI
	var v4Withdraws []NLRI
	mpAnnounces := map[Family][]RoutedNLRI{}
	mpWithdraws := map[Family][]NLRI{}

	announces := append([]RoutedNLRI(nil), u.Announces...)
	sort.Slice(announces, func(i, j int) bool { return Index(announces[i].NLRI) < Index(announces[j].NLRI) })
	withdraws := append([]NLRI(nil), u.Withdraws...)
	sort.Slice(withdraws, func(i, j int) bool { return Index(withdraws[i]) < Index(withdraws[j]) })

	for _, r := range announces {
		f := r.NLRI.Family()
		if !neg.FamilyNegotiated(f) {
			continue
		}
		if f.AFI == AFIIPv4 && (f.SAFI == SAFIUnicast || f.SAFI == SAFIMulticast) && r.NextHop.AFI() == AFIIPv4 {
			v4Announces = append(v4Announces, r)
			continue
		}
		mpAnnounces[f] = append(mpAnnounces[f], r)
	}
	for _, n := range withdraws {
		f := n.Family()
		if !neg.FamilyNegotiated(f) {
			continue
		}
		if f.AFI == AFIIPv4 && (f.SAFI == SAFIUnicast || f.SAFI == SAFIMulticast) {
			v4Withdraws = append(v4Withdraws, n)
			continue
		}
		mpWithdraws[f] = append(mpWithdraws[f], n)
	}

	haveNLRIs := len(v4Announces)+len(v4Withdraws)+len(mpAnnounces)+len(mpWithdraws) > 0
	if !haveNLRIs {
		// attributes-only UPDATE, but never for NLRIs dropped by negotiation
		if len(u.Announces)+len(u.Withdraws) == 0 && u.Attributes.Len() > 0 {
			attr := u.Attributes.Pack(neg, true)
			return [][]byte{frameUpdate(nil, attr, nil)}, nil
		}
		return nil, nil
	}

	// An UPDATE carrying only MP_UNREACH_NLRI needs no other attributes
	// (RFC 4760); defaults are supplied only when something is announced.
	haveAnnounces := len(v4Announces)+len(mpAnnounces) > 0

	attrs := u.Attributes
	if len(v4Announces) > 0 && !attrs.Has(AttrNextHop) {
		attrs = cloneCollection(attrs)
		attrs.Add(NextHopAttr{Addr: v4Announces[0].NextHop.Addr})
	}
	attr := attrs.Pack(neg, haveAnnounces)

	budget := msgSize - HeaderSize - 4 - len(attr)
	if budget <= 0 {
		return nil, ErrAttributesTooLarge
	}

	var msgs [][]byte
	var announced, withdrawn []byte

	for _, r := range v4Announces {
		packed := r.NLRI.Pack(neg.AddPathSend(r.NLRI.Family()))
		if len(withdrawn)+len(announced)+len(packed) > budget {
			if len(withdrawn)+len(announced) == 0 {
				return nil, ErrAttributesTooLarge
			}
			msgs = append(msgs, frameUpdate(withdrawn, attr, announced))
			announced, withdrawn = nil, nil
		}
		announced = append(announced, packed...)
	}
	for _, n := range v4Withdraws {
		packed := n.Pack(neg.AddPathSend(n.Family()))
		if len(withdrawn)+len(announced)+len(packed) > budget {
			if len(withdrawn)+len(announced) == 0 {
				return nil, ErrAttributesTooLarge
			}
			msgs = append(msgs, u.frameMaybeBare(withdrawn, attr, announced))
			announced, withdrawn = nil, nil
		}
		withdrawn = append(withdrawn, packed...)
	}

	families := make([]Family, 0, len(mpAnnounces)+len(mpWithdraws))
	seen := map[Family]bool{}
	for f := range mpAnnounces {
		families = append(families, f)
		seen[f] = true
	}
	for f := range mpWithdraws {
		if !seen[f] {
			families = append(families, f)
		}
	}
	sort.Slice(families, func(i, j int) bool {
		if families[i].AFI != families[j].AFI {
			return families[i].AFI < families[j].AFI
		}
		return families[i].SAFI < families[j].SAFI
	})

	if len(families) == 0 {
		if len(announced)+len(withdrawn) > 0 {
			msgs = append(msgs, u.frameMaybeBare(withdrawn, attr, announced))
		}
		return msgs, nil
	}

	for _, f := range families {
		var mpReach, mpUnreach []byte

		for _, chunk := range packReachChunks(f, mpAnnounces[f], neg, budget-len(withdrawn)-len(announced), budget) {
			if mpReach != nil {
				msgs = append(msgs, frameUpdate(withdrawn, append(append([]byte(nil), attr...), mpReach...), announced))
				announced, withdrawn = nil, nil
			}
			mpReach = chunk
		}

		for _, chunk := range packUnreachChunks(f, mpWithdraws[f], neg, budget-len(withdrawn)-len(announced)-len(mpReach), budget) {
			if mpUnreach != nil {
				combined := append(append([]byte(nil), attr...), mpUnreach...)
				combined = append(combined, mpReach...)
				msgs = append(msgs, frameUpdate(withdrawn, combined, announced))
				mpReach = nil
				announced, withdrawn = nil, nil
			}
			mpUnreach = chunk
		}

		if mpReach != nil || mpUnreach != nil {
			combined := append([]byte(nil), attr...)
			if !haveAnnounces && mpReach == nil {
				// withdraw-only message: only the MP_UNREACH attribute travels
				combined = nil
			}
			combined = append(combined, mpUnreach...)
			combined = append(combined, mpReach...)
			msgs = append(msgs, frameUpdate(withdrawn, combined, announced))
			announced, withdrawn = nil, nil
		}
	}

	if len(announced)+len(withdrawn) > 0 {
		msgs = append(msgs, u.frameMaybeBare(withdrawn, attr, announced))
	}
	return msgs, nil
}

// frameMaybeBare drops the attribute bytes from a message that carries only
// classic withdraws.
func (u *UpdateCollection) frameMaybeBare(withdrawn, attr, announced []byte) []byte {
	if len(announced) == 0 {
		return frameUpdate(withdrawn, nil, nil)
	}
	return frameUpdate(withdrawn, attr, announced)
}

func frameUpdate(withdrawn, attr, announced []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(attr)+len(announced))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(attr)))
	body = append(body, attr...)
	body = append(body, announced...)
	return Frame(TypeUpdate, body)
}

// packReachChunks groups announces by next-hop and fills MP_REACH_NLRI
// attributes so that each fits the given budget: the first chunk shares the
// message with any pending classic bytes, later chunks get a fresh budget.
func packReachChunks(f Family, routed []RoutedNLRI, neg *Negotiated, first, full int) [][]byte {
	if len(routed) == 0 {
		return nil
	}
	addpath := neg.AddPathSend(f)

	// One MP_REACH carries exactly one next-hop.
	type group struct {
		nh    NextHop
		nlris [][]byte
	}
	var groups []group
	byNH := map[string]int{}
	for _, r := range routed {
		key := r.NextHop.Addr.String() + "/" + r.NextHop.LinkLocal.String()
		i, ok := byNH[key]
		if !ok {
			i = len(groups)
			byNH[key] = i
			groups = append(groups, group{nh: r.NextHop})
		}
		groups[i].nlris = append(groups[i].nlris, r.NLRI.Pack(addpath))
	}

	var chunks [][]byte
	budget := first
	for _, g := range groups {
		overhead := mpReachOverhead(f, g.nh)
		var pending [][]byte
		size := overhead
		for _, n := range g.nlris {
			if size+len(n) > budget && len(pending) > 0 {
				chunks = append(chunks, packMPReachAttr(f, g.nh, pending))
				pending = nil
				size = overhead
				budget = full
			}
			pending = append(pending, n)
			size += len(n)
		}
		if len(pending) > 0 {
			chunks = append(chunks, packMPReachAttr(f, g.nh, pending))
			budget = full
		}
	}
	return chunks
}

func packUnreachChunks(f Family, nlris []NLRI, neg *Negotiated, first, full int) [][]byte {
	if len(nlris) == 0 {
		return nil
	}
	addpath := neg.AddPathSend(f)
	var chunks [][]byte
	var pending [][]byte
	budget := first
	size := mpUnreachOverhead
	for _, n := range nlris {
		packed := n.Pack(addpath)
		if size+len(packed) > budget && len(pending) > 0 {
			chunks = append(chunks, packMPUnreachAttr(f, pending))
			pending = nil
			size = mpUnreachOverhead
			budget = full
		}
		pending = append(pending, packed)
		size += len(packed)
	}
	if len(pending) > 0 {
		chunks = append(chunks, packMPUnreachAttr(f, pending))
	}
	return chunks
}

func cloneCollection(c *AttributeCollection) *AttributeCollection {
	out := NewAttributeCollection()
	for _, a := range c.attrs {
		out.Add(a)
	}
	return out
}

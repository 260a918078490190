package message

import (
	"encoding/binary"
)

// ParseUpdate decodes an UPDATE body into an UpdateCollection. End-of-RIB
// markers are recognized before any attribute parsing. Recoverable attribute
// faults (RFC 7606) demote the message's announces to withdraws and set
// TreatAsWithdraw; framing faults return a session-fatal *Notify.
func ParseUpdate(body []byte, neg *Negotiated) (*UpdateCollection, error) {
	if f, ok := IsEOR(body); ok {
		return &UpdateCollection{EORFamily: &f, Attributes: NewAttributeCollection()}, nil
	}

	withdrawn, attrData, announced, err := splitUpdate(body)
	if err != nil {
		return nil, err
	}

	v4 := Family{AFIIPv4, SAFIUnicast}
	withdraws, err := UnpackNLRI(v4, withdrawn, neg.AddPathRecv(v4))
	if err != nil {
		return nil, err
	}

	attrs, mp, treatAsWithdraw, err := parseAttributes(attrData, neg)
	if err != nil {
		return nil, err
	}

	nlris, err := UnpackNLRI(v4, announced, neg.AddPathRecv(v4))
	if err != nil {
		return nil, err
	}

	u := &UpdateCollection{Attributes: attrs, Withdraws: withdraws}

	if len(nlris) > 0 {
		nh, ok := attrs.Get(AttrNextHop)
		if !ok {
			return nil, Notifyf(CodeUpdateError, 5, "announced NLRI without NEXT_HOP")
		}
		hop := NewNextHop(nh.(NextHopAttr).Addr)
		for _, n := range nlris {
			u.Announces = append(u.Announces, RoutedNLRI{NLRI: n, NextHop: hop})
		}
	}

	u.Announces = append(u.Announces, mp.reach...)
	u.Withdraws = append(u.Withdraws, mp.unreach...)

	// Empty MP_UNREACH_NLRI is End-of-RIB for that family.
	if mp.unreachFamily != nil && len(mp.unreach) == 0 &&
		len(u.Announces) == 0 && len(u.Withdraws) == 0 {
		u.EORFamily = mp.unreachFamily
	}

	if treatAsWithdraw != nil {
		for _, r := range u.Announces {
			u.Withdraws = append(u.Withdraws, r.NLRI)
		}
		u.Announces = nil
		u.TreatAsWithdraw = treatAsWithdraw
	}
	return u, nil
}

// splitUpdate carves the UPDATE body into its three sections, verifying the
// two length fields against the available data.
func splitUpdate(body []byte) (withdrawn, attrs, announced []byte, err error) {
	if len(body) < 4 {
		return nil, nil, nil, Notifyf(CodeUpdateError, 1, "update body too short: %d", len(body))
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	if 2+withdrawnLen+2 > len(body) {
		return nil, nil, nil, Notifyf(CodeUpdateError, 1, "withdrawn length %d exceeds data", withdrawnLen)
	}
	withdrawn = body[2 : 2+withdrawnLen]
	attrLen := int(binary.BigEndian.Uint16(body[2+withdrawnLen : 4+withdrawnLen]))
	if 4+withdrawnLen+attrLen > len(body) {
		return nil, nil, nil, Notifyf(CodeUpdateError, 1, "attribute length %d exceeds data", attrLen)
	}
	attrs = body[4+withdrawnLen : 4+withdrawnLen+attrLen]
	announced = body[4+withdrawnLen+attrLen:]
	return withdrawn, attrs, announced, nil
}

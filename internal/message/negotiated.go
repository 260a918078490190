package message

import (
	"net/netip"
)

// RefreshVariant is the negotiated route-refresh flavour.
type RefreshVariant int

const (
	RefreshAbsent RefreshVariant = iota
	RefreshClassic
	RefreshEnhanced
)

// Negotiated is the session parameter set derived from the two OPEN
// messages. The codec consults it for per-NLRI behaviours (ASN width,
// add-path per direction, message size); the FSM consults it for hold time
// and family selection.
type Negotiated struct {
	LocalAS  uint32
	PeerAS   uint32
	LocalID  netip.Addr
	PeerID   netip.Addr
	HoldTime uint16
	ASN4     bool
	MsgSize  int

	Families []Family
	// Mismatch records families requested locally but not advertised by the
	// peer; recorded for logging, never fatal.
	Mismatch []Family

	addPathSend map[Family]bool
	addPathRecv map[Family]bool

	Refresh      RefreshVariant
	MultiSession bool
	AIGP         bool

	GracefulRestart bool
	RestartTime     uint16
	RestartFamilies []GRTuple
}

// KeepaliveTime is the send interval: a third of the hold time, zero when
// keepalives are disabled.
func (n *Negotiated) KeepaliveTime() uint16 { return n.HoldTime / 3 }

// AddPathSend reports whether path identifiers are emitted for the family.
func (n *Negotiated) AddPathSend(f Family) bool {
	if n == nil {
		return false
	}
	return n.addPathSend[f]
}

// AddPathRecv reports whether path identifiers are expected for the family.
func (n *Negotiated) AddPathRecv(f Family) bool {
	if n == nil {
		return false
	}
	return n.addPathRecv[f]
}

// FamilyNegotiated reports whether a family was agreed by both sides. A
// Negotiated with no family list (direct codec use) accepts everything.
func (n *Negotiated) FamilyNegotiated(f Family) bool {
	if n == nil || len(n.Families) == 0 {
		return true
	}
	for _, fam := range n.Families {
		if fam == f {
			return true
		}
	}
	return false
}

func (n *Negotiated) maxMessageSize() int {
	if n == nil || n.MsgSize == 0 {
		return MaxMessageSize
	}
	return n.MsgSize
}

// Negotiate derives the session parameters from the OPEN we sent and the
// OPEN we received. The derivation is symmetric: negotiating the swapped
// pair yields the same families, hold time and message size, with the
// add-path directions mirrored.
func Negotiate(sent, received *Open) (*Negotiated, error) {
	if received.Version != 4 {
		return nil, &Notify{Code: CodeOpenError, Subcode: SubcodeUnsupportedVersion, Data: []byte{received.Version}}
	}
	holdTime := sent.HoldTime
	if received.HoldTime < holdTime {
		holdTime = received.HoldTime
	}
	if holdTime == 1 || holdTime == 2 {
		return nil, Notifyf(CodeOpenError, SubcodeUnacceptableHoldTime, "hold time %d", holdTime)
	}

	n := &Negotiated{
		LocalID:     sent.RouterID,
		PeerID:      received.RouterID,
		HoldTime:    holdTime,
		MsgSize:     MaxMessageSize,
		addPathSend: map[Family]bool{},
		addPathRecv: map[Family]bool{},
	}

	n.ASN4 = sent.has(CapCodeASN4) && received.has(CapCodeASN4)
	n.LocalAS = sent.EffectiveASN()
	if n.ASN4 {
		n.PeerAS = received.EffectiveASN()
	} else {
		n.PeerAS = uint32(received.ASN)
	}

	peerFamilies := map[Family]bool{}
	for _, f := range received.Families() {
		peerFamilies[f] = true
	}
	for _, f := range sent.Families() {
		if peerFamilies[f] {
			n.Families = append(n.Families, f)
		} else {
			n.Mismatch = append(n.Mismatch, f)
		}
	}

	localAP := sent.AddPath()
	peerAP := received.AddPath()
	for f, local := range localAP {
		peer := peerAP[f]
		if local&AddPathSend != 0 && peer&AddPathReceive != 0 {
			n.addPathSend[f] = true
		}
		if local&AddPathReceive != 0 && peer&AddPathSend != 0 {
			n.addPathRecv[f] = true
		}
	}

	if sent.has(CapCodeExtendedMessage) && received.has(CapCodeExtendedMessage) {
		n.MsgSize = ExtendedMessageSize
	}

	localRefresh := sent.has(CapCodeRouteRefresh) || sent.has(CapCodeRouteRefreshCisco)
	peerRefresh := received.has(CapCodeRouteRefresh) || received.has(CapCodeRouteRefreshCisco)
	if sent.has(CapCodeEnhancedRouteRefresh) && received.has(CapCodeEnhancedRouteRefresh) {
		n.Refresh = RefreshEnhanced
	} else if localRefresh && peerRefresh {
		n.Refresh = RefreshClassic
	}

	n.MultiSession = sent.has(CapCodeMultiSession) && received.has(CapCodeMultiSession)
	n.AIGP = sent.has(CapCodeAIGP) && received.has(CapCodeAIGP)

	if gr, ok := received.GracefulRestart(); ok {
		n.GracefulRestart = true
		n.RestartTime = gr.Time
		n.RestartFamilies = gr.Families
	}
	return n, nil
}

// LocalWins resolves a connection collision (RFC 4271 §6.8): the session
// whose local router-id is numerically higher survives.
func (n *Negotiated) LocalWins() bool {
	local := n.LocalID.As4()
	peer := n.PeerID.As4()
	for i := 0; i < 4; i++ {
		if local[i] != peer[i] {
			return local[i] > peer[i]
		}
	}
	return false
}

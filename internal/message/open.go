package message

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Capability codes (IANA registry, plus the operational draft).
const (
	CapCodeMultiProtocol        uint8 = 1
	CapCodeRouteRefresh         uint8 = 2
	CapCodeExtendedMessage      uint8 = 6
	CapCodeGracefulRestart      uint8 = 64
	CapCodeASN4                 uint8 = 65
	CapCodeAddPath              uint8 = 69
	CapCodeEnhancedRouteRefresh uint8 = 70
	CapCodeAIGP                 uint8 = 73
	CapCodeRouteRefreshCisco    uint8 = 128
	CapCodeMultiSession         uint8 = 131
	CapCodeOperational          uint8 = 185
)

// Capability is one OPEN capability TLV value.
type Capability interface {
	Code() uint8
	PackValue() []byte
	String() string
}

// MultiProtocolCap advertises one (AFI, SAFI) pair (RFC 4760).
type MultiProtocolCap Family

func (c MultiProtocolCap) Code() uint8 { return CapCodeMultiProtocol }
func (c MultiProtocolCap) PackValue() []byte {
	return []byte{uint8(c.AFI >> 8), uint8(c.AFI), 0, uint8(c.SAFI)}
}
func (c MultiProtocolCap) String() string { return "multiprotocol " + Family(c).String() }

// RouteRefreshCap is the classic route-refresh capability (RFC 2918); the
// Cisco pre-standard code 128 decodes to the same capability.
type RouteRefreshCap struct{ Cisco bool }

func (c RouteRefreshCap) Code() uint8 {
	if c.Cisco {
		return CapCodeRouteRefreshCisco
	}
	return CapCodeRouteRefresh
}
func (c RouteRefreshCap) PackValue() []byte { return nil }
func (c RouteRefreshCap) String() string    { return "route-refresh" }

// EnhancedRouteRefreshCap is RFC 7313.
type EnhancedRouteRefreshCap struct{}

func (EnhancedRouteRefreshCap) Code() uint8       { return CapCodeEnhancedRouteRefresh }
func (EnhancedRouteRefreshCap) PackValue() []byte { return nil }
func (EnhancedRouteRefreshCap) String() string    { return "enhanced-route-refresh" }

// ASN4Cap advertises the full 32-bit local ASN (RFC 4893).
type ASN4Cap uint32

func (c ASN4Cap) Code() uint8 { return CapCodeASN4 }
func (c ASN4Cap) PackValue() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(c))
}
func (c ASN4Cap) String() string { return fmt.Sprintf("asn4 %d", uint32(c)) }

// GRTuple is one family entry of the graceful-restart capability.
type GRTuple struct {
	Family Family
	Flags  uint8 // 0x80 = forwarding state preserved (F bit)
}

// GracefulRestartCap is RFC 4724.
type GracefulRestartCap struct {
	Flags    uint8 // restart state (0x8) / notification (0x4), upper nibble
	Time     uint16
	Families []GRTuple
}

func (c *GracefulRestartCap) Code() uint8 { return CapCodeGracefulRestart }
func (c *GracefulRestartCap) PackValue() []byte {
	out := make([]byte, 0, 2+4*len(c.Families))
	out = binary.BigEndian.AppendUint16(out, uint16(c.Flags)<<12|c.Time&0x0FFF)
	for _, t := range c.Families {
		out = append(out, uint8(t.Family.AFI>>8), uint8(t.Family.AFI), uint8(t.Family.SAFI), t.Flags)
	}
	return out
}
func (c *GracefulRestartCap) String() string {
	return fmt.Sprintf("graceful-restart time %d families %d", c.Time, len(c.Families))
}

// Add-Path send/receive values (RFC 7911).
const (
	AddPathReceive uint8 = 1
	AddPathSend    uint8 = 2
	AddPathBoth    uint8 = 3
)

// AddPathFamily is one family entry of the add-path capability.
type AddPathFamily struct {
	Family      Family
	SendReceive uint8
}

// AddPathCap is RFC 7911.
type AddPathCap []AddPathFamily

func (c AddPathCap) Code() uint8 { return CapCodeAddPath }
func (c AddPathCap) PackValue() []byte {
	out := make([]byte, 0, 4*len(c))
	for _, f := range c {
		out = append(out, uint8(f.Family.AFI>>8), uint8(f.Family.AFI), uint8(f.Family.SAFI), f.SendReceive)
	}
	return out
}
func (c AddPathCap) String() string { return fmt.Sprintf("add-path (%d families)", len(c)) }

// ExtendedMessageCap is RFC 8654.
type ExtendedMessageCap struct{}

func (ExtendedMessageCap) Code() uint8       { return CapCodeExtendedMessage }
func (ExtendedMessageCap) PackValue() []byte { return nil }
func (ExtendedMessageCap) String() string    { return "extended-message" }

// MultiSessionCap allows one session per family.
type MultiSessionCap struct{}

func (MultiSessionCap) Code() uint8       { return CapCodeMultiSession }
func (MultiSessionCap) PackValue() []byte { return nil }
func (MultiSessionCap) String() string    { return "multi-session" }

// AIGPCap signals willingness to carry the AIGP attribute.
type AIGPCap struct{}

func (AIGPCap) Code() uint8       { return CapCodeAIGP }
func (AIGPCap) PackValue() []byte { return nil }
func (AIGPCap) String() string    { return "aigp" }

// OperationalCap signals support for the OPERATIONAL message.
type OperationalCap struct{}

func (OperationalCap) Code() uint8       { return CapCodeOperational }
func (OperationalCap) PackValue() []byte { return nil }
func (OperationalCap) String() string    { return "operational" }

// UnknownCap retains an unrecognized capability verbatim for introspection.
type UnknownCap struct {
	CapCode uint8
	Value   []byte
}

func (c *UnknownCap) Code() uint8       { return c.CapCode }
func (c *UnknownCap) PackValue() []byte { return c.Value }
func (c *UnknownCap) String() string {
	return fmt.Sprintf("capability(%d) 0x%s", c.CapCode, hex.EncodeToString(c.Value))
}

// Open is the OPEN message. The wire ASN field is 2 octets; a 4-octet local
// ASN travels in the ASN4 capability with AS_TRANS on the wire.
type Open struct {
	Version      uint8
	ASN          uint16
	HoldTime     uint16
	RouterID     netip.Addr
	Capabilities []Capability
}

// NewOpen builds a version-4 OPEN for the given 32-bit ASN, substituting
// AS_TRANS in the fixed field when it does not fit.
func NewOpen(asn uint32, holdTime uint16, routerID netip.Addr, caps []Capability) *Open {
	wire := uint16(asn)
	if asn > 0xFFFF {
		wire = ASTrans
	}
	return &Open{Version: 4, ASN: wire, HoldTime: holdTime, RouterID: routerID, Capabilities: caps}
}

const openParameterCapabilities uint8 = 2

func (o *Open) Pack() []byte {
	var params []byte
	for _, c := range o.Capabilities {
		value := c.PackValue()
		cap := append([]byte{c.Code(), uint8(len(value))}, value...)
		params = append(params, openParameterCapabilities, uint8(len(cap)))
		params = append(params, cap...)
	}
	id := o.RouterID.As4()
	body := make([]byte, 0, 10+len(params))
	body = append(body, o.Version)
	body = binary.BigEndian.AppendUint16(body, o.ASN)
	body = binary.BigEndian.AppendUint16(body, o.HoldTime)
	body = append(body, id[:]...)
	body = append(body, uint8(len(params)))
	return append(body, params...)
}

// ParseOpen decodes an OPEN body, accepting both one-parameter-per-capability
// and all-capabilities-in-one-parameter encodings.
func ParseOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, Notifyf(CodeMessageHeaderError, 2, "open body too short: %d", len(body))
	}
	o := &Open{
		Version:  body[0],
		ASN:      binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
	}
	o.RouterID = netip.AddrFrom4([4]byte(body[5:9]))
	optLen := int(body[9])
	if 10+optLen > len(body) {
		return nil, Notifyf(CodeOpenError, 0, "open optional parameters truncated")
	}
	params := body[10 : 10+optLen]
	for len(params) > 0 {
		if len(params) < 2 {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedParameter, "truncated optional parameter")
		}
		ptype := params[0]
		plen := int(params[1])
		if 2+plen > len(params) {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedParameter, "optional parameter length %d exceeds data", plen)
		}
		value := params[2 : 2+plen]
		params = params[2+plen:]
		if ptype != openParameterCapabilities {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedParameter, "optional parameter %d", ptype)
		}
		for len(value) > 0 {
			if len(value) < 2 {
				return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "truncated capability")
			}
			code := value[0]
			clen := int(value[1])
			if 2+clen > len(value) {
				return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "capability %d length %d exceeds data", code, clen)
			}
			cap, err := parseCapability(code, value[2:2+clen])
			if err != nil {
				return nil, err
			}
			o.Capabilities = append(o.Capabilities, cap)
			value = value[2+clen:]
		}
	}
	return o, nil
}

func parseCapability(code uint8, value []byte) (Capability, error) {
	switch code {
	case CapCodeMultiProtocol:
		if len(value) != 4 {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "multiprotocol capability length %d", len(value))
		}
		return MultiProtocolCap{AFI: AFI(binary.BigEndian.Uint16(value[0:2])), SAFI: SAFI(value[3])}, nil
	case CapCodeRouteRefresh:
		return RouteRefreshCap{}, nil
	case CapCodeRouteRefreshCisco:
		return RouteRefreshCap{Cisco: true}, nil
	case CapCodeEnhancedRouteRefresh:
		return EnhancedRouteRefreshCap{}, nil
	case CapCodeASN4:
		if len(value) != 4 {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "asn4 capability length %d", len(value))
		}
		return ASN4Cap(binary.BigEndian.Uint32(value)), nil
	case CapCodeGracefulRestart:
		if len(value) < 2 || (len(value)-2)%4 != 0 {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "graceful-restart capability length %d", len(value))
		}
		hdr := binary.BigEndian.Uint16(value[0:2])
		c := &GracefulRestartCap{Flags: uint8(hdr >> 12), Time: hdr & 0x0FFF}
		for i := 2; i+4 <= len(value); i += 4 {
			c.Families = append(c.Families, GRTuple{
				Family: Family{AFI(binary.BigEndian.Uint16(value[i : i+2])), SAFI(value[i+2])},
				Flags:  value[i+3],
			})
		}
		return c, nil
	case CapCodeAddPath:
		if len(value)%4 != 0 {
			return nil, Notifyf(CodeOpenError, SubcodeUnsupportedCapability, "add-path capability length %d", len(value))
		}
		var c AddPathCap
		for i := 0; i+4 <= len(value); i += 4 {
			c = append(c, AddPathFamily{
				Family:      Family{AFI(binary.BigEndian.Uint16(value[i : i+2])), SAFI(value[i+2])},
				SendReceive: value[i+3],
			})
		}
		return c, nil
	case CapCodeExtendedMessage:
		return ExtendedMessageCap{}, nil
	case CapCodeMultiSession:
		return MultiSessionCap{}, nil
	case CapCodeAIGP:
		return AIGPCap{}, nil
	case CapCodeOperational:
		return OperationalCap{}, nil
	}
	return &UnknownCap{CapCode: code, Value: append([]byte(nil), value...)}, nil
}

// FourByteASN returns the ASN4 capability value when advertised.
func (o *Open) FourByteASN() (uint32, bool) {
	for _, c := range o.Capabilities {
		if v, ok := c.(ASN4Cap); ok {
			return uint32(v), true
		}
	}
	return 0, false
}

// EffectiveASN is the peer's ASN after ASN4 substitution.
func (o *Open) EffectiveASN() uint32 {
	if asn, ok := o.FourByteASN(); ok {
		return asn
	}
	return uint32(o.ASN)
}

// Families lists the multiprotocol pairs advertised in the OPEN.
func (o *Open) Families() []Family {
	var out []Family
	for _, c := range o.Capabilities {
		if mp, ok := c.(MultiProtocolCap); ok {
			out = append(out, Family(mp))
		}
	}
	return out
}

// AddPath returns the advertised add-path directions per family.
func (o *Open) AddPath() map[Family]uint8 {
	out := map[Family]uint8{}
	for _, c := range o.Capabilities {
		if ap, ok := c.(AddPathCap); ok {
			for _, f := range ap {
				out[f.Family] = f.SendReceive
			}
		}
	}
	return out
}

// GracefulRestart returns the advertised graceful-restart capability.
func (o *Open) GracefulRestart() (*GracefulRestartCap, bool) {
	for _, c := range o.Capabilities {
		if gr, ok := c.(*GracefulRestartCap); ok {
			return gr, true
		}
	}
	return nil, false
}

func (o *Open) has(code uint8) bool {
	for _, c := range o.Capabilities {
		if c.Code() == code {
			return true
		}
	}
	return false
}

func (o *Open) String() string {
	var caps []string
	for _, c := range o.Capabilities {
		caps = append(caps, c.String())
	}
	return fmt.Sprintf("OPEN asn %d hold-time %d router-id %s [%s]",
		o.ASN, o.HoldTime, o.RouterID, strings.Join(caps, ", "))
}

package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// Flow-spec component types (RFC 8955 §4.2, RFC 8956 for the IPv6 flow
// label).
const (
	FlowDestination uint8 = 1
	FlowSource      uint8 = 2
	FlowProtocol    uint8 = 3
	FlowAnyPort     uint8 = 4
	FlowDestPort    uint8 = 5
	FlowSourcePort  uint8 = 6
	FlowICMPType    uint8 = 7
	FlowICMPCode    uint8 = 8
	FlowTCPFlag     uint8 = 9
	FlowPacketLen   uint8 = 10
	FlowDSCP        uint8 = 11
	FlowFragment    uint8 = 12
	FlowLabel       uint8 = 13
)

// Operator bits shared by numeric and binary operators.
const (
	FlowOpEOL uint8 = 0x80
	FlowOpAND uint8 = 0x40

	FlowNumericLT uint8 = 0x04
	FlowNumericGT uint8 = 0x02
	FlowNumericEQ uint8 = 0x01

	FlowBinaryNOT   uint8 = 0x02
	FlowBinaryMATCH uint8 = 0x01
)

// FlowComponent is one typed test inside a flow-spec NLRI.
type FlowComponent interface {
	ComponentType() uint8
	packComponent() []byte
	String() string
}

// FlowPrefixComponent matches a source or destination prefix.
type FlowPrefixComponent struct {
	ctype  uint8 // FlowDestination or FlowSource
	prefix netip.Prefix
}

func NewFlowPrefix(ctype uint8, p netip.Prefix) *FlowPrefixComponent {
	return &FlowPrefixComponent{ctype: ctype, prefix: p.Masked()}
}

func (c *FlowPrefixComponent) ComponentType() uint8 { return c.ctype }
func (c *FlowPrefixComponent) Prefix() netip.Prefix { return c.prefix }

func (c *FlowPrefixComponent) packComponent() []byte {
	bits := c.prefix.Bits()
	nbytes := (bits + 7) / 8
	out := make([]byte, 0, 2+nbytes)
	out = append(out, c.ctype, uint8(bits))
	a := c.prefix.Addr().AsSlice()
	return append(out, a[:nbytes]...)
}

func (c *FlowPrefixComponent) String() string {
	if c.ctype == FlowDestination {
		return "destination " + c.prefix.String()
	}
	return "source " + c.prefix.String()
}

// FlowOp is one (operator, value) octet pair set of a numeric or binary
// test. The end-of-list bit is set on the last operation at pack time.
type FlowOp struct {
	Op    uint8 // AND and comparison bits, without EOL and length
	Value uint32
}

// FlowNumericComponent is a numeric test list (protocol, ports, packet
// length, DSCP, ICMP, flow label).
type FlowNumericComponent struct {
	ctype uint8
	ops   []FlowOp
}

func NewFlowNumeric(ctype uint8, ops []FlowOp) *FlowNumericComponent {
	return &FlowNumericComponent{ctype: ctype, ops: ops}
}

func (c *FlowNumericComponent) ComponentType() uint8 { return c.ctype }
func (c *FlowNumericComponent) Ops() []FlowOp        { return c.ops }

func valueLen(v uint32) (n int, lenBits uint8) {
	switch {
	case v > 0xFFFF:
		return 4, 0x20
	case v > 0xFF:
		return 2, 0x10
	default:
		return 1, 0x00
	}
}

func (c *FlowNumericComponent) packComponent() []byte {
	out := []byte{c.ctype}
	for i, op := range c.ops {
		n, lenBits := valueLen(op.Value)
		b := op.Op | lenBits
		if i == len(c.ops)-1 {
			b |= FlowOpEOL
		}
		out = append(out, b)
		switch n {
		case 1:
			out = append(out, uint8(op.Value))
		case 2:
			out = binary.BigEndian.AppendUint16(out, uint16(op.Value))
		case 4:
			out = binary.BigEndian.AppendUint32(out, op.Value)
		}
	}
	return out
}

var flowComponentNames = map[uint8]string{
	FlowDestination: "destination",
	FlowSource:      "source",
	FlowProtocol:    "protocol",
	FlowAnyPort:     "port",
	FlowDestPort:    "destination-port",
	FlowSourcePort:  "source-port",
	FlowICMPType:    "icmp-type",
	FlowICMPCode:    "icmp-code",
	FlowTCPFlag:     "tcp-flags",
	FlowPacketLen:   "packet-length",
	FlowDSCP:        "dscp",
	FlowFragment:    "fragment",
	FlowLabel:       "flow-label",
}

func (c *FlowNumericComponent) String() string {
	var parts []string
	for _, op := range c.ops {
		var s string
		switch op.Op &^ FlowOpAND {
		case FlowNumericEQ:
			s = fmt.Sprintf("=%d", op.Value)
		case FlowNumericLT:
			s = fmt.Sprintf("<%d", op.Value)
		case FlowNumericGT:
			s = fmt.Sprintf(">%d", op.Value)
		case FlowNumericLT | FlowNumericEQ:
			s = fmt.Sprintf("<=%d", op.Value)
		case FlowNumericGT | FlowNumericEQ:
			s = fmt.Sprintf(">=%d", op.Value)
		case FlowNumericLT | FlowNumericGT:
			s = fmt.Sprintf("!=%d", op.Value)
		default:
			s = fmt.Sprintf("%d", op.Value)
		}
		if op.Op&FlowOpAND != 0 {
			s = "&" + s
		}
		parts = append(parts, s)
	}
	return flowComponentNames[c.ctype] + " " + strings.Join(parts, " ")
}

// Flow is a flow-spec NLRI: an ordered collection of typed components
// emitted in ascending component-type order regardless of construction
// order.
type Flow struct {
	afi  AFI
	safi SAFI
	rd   RD
	comp []FlowComponent
}

func NewFlow(afi AFI, safi SAFI, rd RD, components []FlowComponent) *Flow {
	sorted := append([]FlowComponent(nil), components...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ComponentType() < sorted[j].ComponentType()
	})
	return &Flow{afi: afi, safi: safi, rd: rd, comp: sorted}
}

func (f *Flow) Family() Family              { return Family{f.afi, f.safi} }
func (f *Flow) PathID() uint32              { return 0 }
func (f *Flow) RD() RD                      { return f.rd }
func (f *Flow) Components() []FlowComponent { return f.comp }

func (f *Flow) Pack(addpath bool) []byte {
	var body []byte
	if f.safi == SAFIFlowVPN {
		body = append(body, f.rd[:]...)
	}
	for _, c := range f.comp {
		body = append(body, c.packComponent()...)
	}
	length := len(body)
	if length < 0xF0 {
		return append([]byte{uint8(length)}, body...)
	}
	return append([]byte{0xF0 | uint8(length>>8), uint8(length)}, body...)
}

func (f *Flow) String() string {
	parts := make([]string, 0, len(f.comp)+1)
	if f.safi == SAFIFlowVPN {
		parts = append(parts, "rd "+f.rd.String())
	}
	for _, c := range f.comp {
		parts = append(parts, c.String())
	}
	return "flow { " + strings.Join(parts, "; ") + " }"
}

func unpackFlow(fam Family, data []byte) (NLRI, int, error) {
	if len(data) < 1 {
		return nil, 0, Notifyf(CodeUpdateError, 10, "empty flow nlri")
	}
	var length, offset int
	if data[0] >= 0xF0 {
		if len(data) < 2 {
			return nil, 0, Notifyf(CodeUpdateError, 10, "truncated flow length")
		}
		length = int(data[0]&0x0F)<<8 | int(data[1])
		offset = 2
	} else {
		length = int(data[0])
		offset = 1
	}
	if offset+length > len(data) {
		return nil, 0, Notifyf(CodeUpdateError, 10, "flow nlri length %d exceeds data", length)
	}
	body := data[offset : offset+length]
	consumed := offset + length

	var rd RD
	if fam.SAFI == SAFIFlowVPN {
		if len(body) < 8 {
			return nil, 0, Notifyf(CodeUpdateError, 10, "flow-vpn nlri missing rd")
		}
		copy(rd[:], body[:8])
		body = body[8:]
	}

	var components []FlowComponent
	for len(body) > 0 {
		ctype := body[0]
		body = body[1:]
		switch ctype {
		case FlowDestination, FlowSource:
			if len(body) < 1 {
				return nil, 0, Notifyf(CodeUpdateError, 10, "truncated flow prefix component")
			}
			bits := int(body[0])
			body = body[1:]
			max := fam.AFI.bits()
			if bits > max {
				return nil, 0, Notifyf(CodeUpdateError, 10, "flow prefix length %d exceeds %d", bits, max)
			}
			nbytes := (bits + 7) / 8
			if len(body) < nbytes {
				return nil, 0, Notifyf(CodeUpdateError, 10, "truncated flow prefix")
			}
			buf := make([]byte, max/8)
			copy(buf, body[:nbytes])
			body = body[nbytes:]
			addr, _ := netip.AddrFromSlice(buf)
			components = append(components, NewFlowPrefix(ctype, netip.PrefixFrom(addr, bits)))
		default:
			var ops []FlowOp
			for {
				if len(body) < 1 {
					return nil, 0, Notifyf(CodeUpdateError, 10, "truncated flow operator")
				}
				op := body[0]
				body = body[1:]
				n := 1 << ((op & 0x30) >> 4)
				if len(body) < n {
					return nil, 0, Notifyf(CodeUpdateError, 10, "truncated flow operand")
				}
				var v uint32
				for i := 0; i < n; i++ {
					v = v<<8 | uint32(body[i])
				}
				body = body[n:]
				ops = append(ops, FlowOp{Op: op &^ (FlowOpEOL | 0x30), Value: v})
				if op&FlowOpEOL != 0 {
					break
				}
			}
			components = append(components, NewFlowNumeric(ctype, ops))
		}
	}
	return NewFlow(fam.AFI, fam.SAFI, rd, components), consumed, nil
}

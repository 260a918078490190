package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

// NLRI is the closed variant over every reachability encoding this speaker
// carries. Implementations are immutable once constructed; equality is by
// wire bytes (see Index).
type NLRI interface {
	Family() Family
	PathID() uint32
	// Pack emits the wire form. The path identifier prefix is included only
	// when addpath is true for this family and direction.
	Pack(addpath bool) []byte
	String() string
}

// Index returns the identity key of an NLRI: family plus wire bytes with the
// path identifier always included. Adj-RIB structures key on it.
func Index(n NLRI) string {
	f := n.Family()
	var b strings.Builder
	b.WriteByte(byte(f.AFI >> 8))
	b.WriteByte(byte(f.AFI))
	b.WriteByte(byte(f.SAFI))
	b.Write(n.Pack(true))
	return b.String()
}

// Prefix is an inet NLRI: an IPv4/IPv6 prefix with optional Add-Path
// identifier.
type Prefix struct {
	afi    AFI
	safi   SAFI
	addr   netip.Prefix
	pathID uint32
}

// NewPrefix builds an inet NLRI for the given family. The prefix is
// canonicalized (masked) so identical routes share wire bytes.
func NewPrefix(afi AFI, safi SAFI, p netip.Prefix, pathID uint32) *Prefix {
	return &Prefix{afi: afi, safi: safi, addr: p.Masked(), pathID: pathID}
}

func (p *Prefix) Family() Family { return Family{p.afi, p.safi} }
func (p *Prefix) PathID() uint32 { return p.pathID }
func (p *Prefix) Addr() netip.Prefix {
	return p.addr
}

func (p *Prefix) Pack(addpath bool) []byte {
	bits := p.addr.Bits()
	bytes := (bits + 7) / 8
	var out []byte
	if addpath {
		out = make([]byte, 0, 5+bytes)
		out = binary.BigEndian.AppendUint32(out, p.pathID)
	} else {
		out = make([]byte, 0, 1+bytes)
	}
	out = append(out, uint8(bits))
	a := p.addr.Addr().AsSlice()
	out = append(out, a[:bytes]...)
	return out
}

func (p *Prefix) String() string {
	if p.pathID != 0 {
		return fmt.Sprintf("%s path-id %d", p.addr, p.pathID)
	}
	return p.addr.String()
}

// Label is a 20-bit MPLS label. The bottom-of-stack bit is set on the last
// label at pack time.
type Label uint32

func packLabels(labels []Label, out []byte) []byte {
	for i, l := range labels {
		v := uint32(l) << 4
		if i == len(labels)-1 {
			v |= 0x1
		}
		out = append(out, uint8(v>>16), uint8(v>>8), uint8(v))
	}
	return out
}

// Labeled is an inet prefix carrying an ordered MPLS label stack (RFC 3107 /
// RFC 8277).
type Labeled struct {
	Prefix
	labels []Label
}

func NewLabeled(afi AFI, p netip.Prefix, labels []Label, pathID uint32) *Labeled {
	return &Labeled{
		Prefix: Prefix{afi: afi, safi: SAFILabeled, addr: p.Masked(), pathID: pathID},
		labels: labels,
	}
}

func (l *Labeled) Labels() []Label { return l.labels }

func (l *Labeled) Pack(addpath bool) []byte {
	return packLabeled(l.addr, l.labels, nil, l.pathID, addpath)
}

func (l *Labeled) String() string {
	return fmt.Sprintf("%s label %v", l.addr, l.labels)
}

// RD is the 8-octet Route Distinguisher used by the VPN families.
type RD [8]byte

// NewRD builds a type-0 (2-octet ASN) route distinguisher.
func NewRD(asn uint16, assigned uint32) RD {
	var rd RD
	binary.BigEndian.PutUint16(rd[0:2], 0)
	binary.BigEndian.PutUint16(rd[2:4], asn)
	binary.BigEndian.PutUint32(rd[4:8], assigned)
	return rd
}

// NewRDFromIP builds a type-1 (IPv4) route distinguisher.
func NewRDFromIP(ip netip.Addr, assigned uint16) RD {
	var rd RD
	binary.BigEndian.PutUint16(rd[0:2], 1)
	a := ip.As4()
	copy(rd[2:6], a[:])
	binary.BigEndian.PutUint16(rd[6:8], assigned)
	return rd
}

func (rd RD) IsZero() bool { return rd == RD{} }

func (rd RD) String() string {
	t := binary.BigEndian.Uint16(rd[0:2])
	switch t {
	case 0:
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint16(rd[2:4]), binary.BigEndian.Uint32(rd[4:8]))
	case 1:
		return fmt.Sprintf("%d.%d.%d.%d:%d", rd[2], rd[3], rd[4], rd[5], binary.BigEndian.Uint16(rd[6:8]))
	case 2:
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint32(rd[2:6]), binary.BigEndian.Uint16(rd[6:8]))
	}
	return fmt.Sprintf("%x", rd[:])
}

// VPN is an MPLS-VPN prefix: label stack + route distinguisher + prefix
// (RFC 4364).
type VPN struct {
	Prefix
	labels []Label
	rd     RD
}

func NewVPN(afi AFI, p netip.Prefix, labels []Label, rd RD, pathID uint32) *VPN {
	return &VPN{
		Prefix: Prefix{afi: afi, safi: SAFIMPLSVPN, addr: p.Masked(), pathID: pathID},
		labels: labels,
		rd:     rd,
	}
}

func (v *VPN) Labels() []Label { return v.labels }
func (v *VPN) RD() RD          { return v.rd }

func (v *VPN) Pack(addpath bool) []byte {
	return packLabeled(v.addr, v.labels, v.rd[:], v.pathID, addpath)
}

func (v *VPN) String() string {
	return fmt.Sprintf("%s rd %s label %v", v.addr, v.rd, v.labels)
}

// packLabeled emits [path-id] length(bits incl labels+rd) labels [rd] prefix.
func packLabeled(addr netip.Prefix, labels []Label, rd []byte, pathID uint32, addpath bool) []byte {
	pbytes := (addr.Bits() + 7) / 8
	bits := addr.Bits() + 8*(3*len(labels)+len(rd))
	var out []byte
	if addpath {
		out = binary.BigEndian.AppendUint32(out, pathID)
	}
	out = append(out, uint8(bits))
	out = packLabels(labels, out)
	out = append(out, rd...)
	a := addr.Addr().AsSlice()
	return append(out, a[:pbytes]...)
}

// unpackPrefix reads one NLRI of the given family from data, returning the
// NLRI and the number of bytes consumed. Malformed prefixes produce
// Notify(3,10).
func unpackPrefix(f Family, data []byte, addpath bool) (NLRI, int, error) {
	offset := 0
	var pathID uint32
	if addpath {
		if len(data) < 4 {
			return nil, 0, Notifyf(CodeUpdateError, 10, "truncated path identifier")
		}
		pathID = binary.BigEndian.Uint32(data[:4])
		offset = 4
	}
	if offset >= len(data) {
		return nil, 0, Notifyf(CodeUpdateError, 10, "missing prefix length")
	}
	bits := int(data[offset])
	offset++

	switch f.SAFI {
	case SAFIUnicast, SAFIMulticast:
		max := f.AFI.bits()
		if bits > max {
			return nil, 0, Notifyf(CodeUpdateError, 10, "prefix length %d exceeds %d", bits, max)
		}
		nbytes := (bits + 7) / 8
		if offset+nbytes > len(data) {
			return nil, 0, Notifyf(CodeUpdateError, 10, "truncated prefix")
		}
		buf := make([]byte, max/8)
		copy(buf, data[offset:offset+nbytes])
		addr, ok := netip.AddrFromSlice(buf)
		if !ok {
			return nil, 0, Notifyf(CodeUpdateError, 10, "bad prefix bytes")
		}
		offset += nbytes
		return NewPrefix(f.AFI, f.SAFI, netip.PrefixFrom(addr, bits), pathID), offset, nil

	case SAFILabeled, SAFIMPLSVPN:
		var labels []Label
		remaining := bits
		for {
			if remaining < 24 || offset+3 > len(data) {
				return nil, 0, Notifyf(CodeUpdateError, 10, "truncated label stack")
			}
			v := uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
			offset += 3
			remaining -= 24
			// A withdraw may carry the 0x800000 compatibility label instead
			// of a real stack.
			labels = append(labels, Label(v>>4))
			if v&0x1 != 0 || v == 0x800000 {
				break
			}
		}
		var rd RD
		if f.SAFI == SAFIMPLSVPN {
			if remaining < 64 || offset+8 > len(data) {
				return nil, 0, Notifyf(CodeUpdateError, 10, "truncated route distinguisher")
			}
			copy(rd[:], data[offset:offset+8])
			offset += 8
			remaining -= 64
		}
		max := f.AFI.bits()
		if remaining < 0 || remaining > max {
			return nil, 0, Notifyf(CodeUpdateError, 10, "labeled prefix length %d out of range", remaining)
		}
		nbytes := (remaining + 7) / 8
		if offset+nbytes > len(data) {
			return nil, 0, Notifyf(CodeUpdateError, 10, "truncated labeled prefix")
		}
		buf := make([]byte, max/8)
		copy(buf, data[offset:offset+nbytes])
		addr, _ := netip.AddrFromSlice(buf)
		offset += nbytes
		p := netip.PrefixFrom(addr, remaining)
		if f.SAFI == SAFILabeled {
			return NewLabeled(f.AFI, p, labels, pathID), offset, nil
		}
		return NewVPN(f.AFI, p, labels, rd, pathID), offset, nil
	}
	return nil, 0, Notifyf(CodeUpdateError, 10, "cannot decode prefix for %s", f)
}

// UnpackNLRI decodes the NLRI run of an UPDATE section for a family,
// dispatching on SAFI to the prefix, VPLS, or flow-spec decoders.
func UnpackNLRI(f Family, data []byte, addpath bool) ([]NLRI, error) {
	var out []NLRI
	offset := 0
	for offset < len(data) {
		var (
			n        NLRI
			consumed int
			err      error
		)
		switch f.SAFI {
		case SAFIVPLS:
			n, consumed, err = unpackVPLS(data[offset:])
		case SAFIFlowIP, SAFIFlowVPN:
			n, consumed, err = unpackFlow(f, data[offset:])
		default:
			n, consumed, err = unpackPrefix(f, data[offset:], addpath)
		}
		if err != nil {
			return out, err
		}
		out = append(out, n)
		offset += consumed
	}
	return out, nil
}

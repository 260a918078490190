package message

import (
	"encoding/binary"
	"fmt"
)

// VPLS is the L2VPN NLRI of RFC 4761: a route distinguisher, VE id and a
// label block described by (base, offset, size). base+size must stay inside
// the 20-bit label space.
type VPLS struct {
	rd       RD
	endpoint uint16
	base     uint32
	offset   uint16
	size     uint16
}

const vplsNLRILength = 17 // rd(8) + ve(2) + offset(2) + size(2) + label base(3)

func NewVPLS(rd RD, endpoint uint16, base uint32, offset, size uint16) (*VPLS, error) {
	if base+uint32(size) > 1<<20 {
		return nil, fmt.Errorf("message: vpls label block %d+%d exceeds 20 bits", base, size)
	}
	return &VPLS{rd: rd, endpoint: endpoint, base: base, offset: offset, size: size}, nil
}

func (v *VPLS) Family() Family { return Family{AFIL2VPN, SAFIVPLS} }
func (v *VPLS) PathID() uint32 { return 0 }
func (v *VPLS) RD() RD         { return v.rd }
func (v *VPLS) Endpoint() uint16 {
	return v.endpoint
}
func (v *VPLS) Block() (base uint32, offset, size uint16) {
	return v.base, v.offset, v.size
}

// Pack emits the 2-octet length followed by the fixed 17-octet body. The
// label base uses the label encoding, shifted with the bottom-of-stack bit.
func (v *VPLS) Pack(addpath bool) []byte {
	out := make([]byte, 2+vplsNLRILength)
	binary.BigEndian.PutUint16(out[0:2], vplsNLRILength)
	copy(out[2:10], v.rd[:])
	binary.BigEndian.PutUint16(out[10:12], v.endpoint)
	binary.BigEndian.PutUint16(out[12:14], v.offset)
	binary.BigEndian.PutUint16(out[14:16], v.size)
	label := v.base<<4 | 0x1
	out[16] = uint8(label >> 16)
	out[17] = uint8(label >> 8)
	out[18] = uint8(label)
	return out
}

func (v *VPLS) String() string {
	return fmt.Sprintf("vpls endpoint %d base %d offset %d size %d rd %s", v.endpoint, v.base, v.offset, v.size, v.rd)
}

func unpackVPLS(data []byte) (NLRI, int, error) {
	if len(data) < 2 {
		return nil, 0, Notifyf(CodeUpdateError, 10, "truncated vpls length")
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	if length != vplsNLRILength {
		return nil, 0, Notifyf(CodeUpdateError, 10, "vpls nlri length %d, expected %d", length, vplsNLRILength)
	}
	if len(data) < 2+length {
		return nil, 0, Notifyf(CodeUpdateError, 10, "truncated vpls nlri")
	}
	var rd RD
	copy(rd[:], data[2:10])
	endpoint := binary.BigEndian.Uint16(data[10:12])
	offset := binary.BigEndian.Uint16(data[12:14])
	size := binary.BigEndian.Uint16(data[14:16])
	base := (uint32(data[16])<<16 | uint32(data[17])<<8 | uint32(data[18])) >> 4
	v, err := NewVPLS(rd, endpoint, base, offset, size)
	if err != nil {
		return nil, 0, Notifyf(CodeUpdateError, 10, "%v", err)
	}
	return v, 2 + length, nil
}

package message

import (
	"encoding/binary"
	"fmt"
)

// Enhanced route-refresh subtypes carried in the reserved octet (RFC 7313).
const (
	RefreshRequest uint8 = 0
	RefreshBegin   uint8 = 1
	RefreshEnd     uint8 = 2
)

// RouteRefresh is the ROUTE-REFRESH message: AFI(2), subtype(1), SAFI(1).
type RouteRefresh struct {
	Family  Family
	Subtype uint8
}

func (r *RouteRefresh) Pack() []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(r.Family.AFI))
	out[2] = r.Subtype
	out[3] = uint8(r.Family.SAFI)
	return out
}

func ParseRouteRefresh(body []byte) (*RouteRefresh, error) {
	if len(body) != 4 {
		return nil, Notifyf(CodeMessageHeaderError, 2, "route-refresh body length %d", len(body))
	}
	r := &RouteRefresh{
		Family:  Family{AFI(binary.BigEndian.Uint16(body[0:2])), SAFI(body[3])},
		Subtype: body[2],
	}
	if r.Subtype > RefreshEnd {
		return nil, Notifyf(CodeMessageHeaderError, 2, "route-refresh subtype %d", r.Subtype)
	}
	return r, nil
}

func (r *RouteRefresh) String() string {
	switch r.Subtype {
	case RefreshBegin:
		return fmt.Sprintf("route-refresh %s begin", r.Family)
	case RefreshEnd:
		return fmt.Sprintf("route-refresh %s end", r.Family)
	}
	return fmt.Sprintf("route-refresh %s", r.Family)
}

// Keepalive is the empty-bodied KEEPALIVE, framed.
func Keepalive() []byte { return Frame(TypeKeepalive, nil) }

// Package message implements the BGP-4 wire codec: message framing, OPEN
// capability negotiation, UPDATE path attributes and NLRI encodings for the
// unicast, labeled, MPLS-VPN, VPLS and flow-spec families, NOTIFICATION,
// ROUTE-REFRESH and OPERATIONAL messages (RFC 4271, 4760, 4893, 5492, 7911,
// 8950, 8955, 4761).
package message

import (
	"encoding/binary"
	"fmt"
)

// Message type codes from RFC 4271 (5 from RFC 2918, 6 from the operational
// message draft).
type Type uint8

const (
	TypeOpen         Type = 1
	TypeUpdate       Type = 2
	TypeNotification Type = 3
	TypeKeepalive    Type = 4
	TypeRouteRefresh Type = 5
	TypeOperational  Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeUpdate:
		return "UPDATE"
	case TypeNotification:
		return "NOTIFICATION"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypeRouteRefresh:
		return "ROUTE-REFRESH"
	case TypeOperational:
		return "OPERATIONAL"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

const (
	// HeaderSize is marker(16) + length(2) + type(1).
	HeaderSize = 19

	// MaxMessageSize is the RFC 4271 limit; ExtendedMessageSize applies when
	// the Extended Message capability (RFC 8654) is negotiated by both sides.
	MaxMessageSize      = 4096
	ExtendedMessageSize = 65535
)

// AS_TRANS is placed in the 2-octet OPEN ASN field when the local ASN does
// not fit (RFC 4893).
const ASTrans uint16 = 23456

// Frame prepends the 16-octet all-ones marker, total length, and type.
func Frame(t Type, body []byte) []byte {
	msg := make([]byte, HeaderSize+len(body))
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(HeaderSize+len(body)))
	msg[18] = uint8(t)
	copy(msg[HeaderSize:], body)
	return msg
}

// ParseHeader validates a 19-byte message header and returns the total
// message length and type. Marker and length violations map to the RFC 4271
// Message Header Error subcodes; the offending length is echoed in the
// notification data.
func ParseHeader(hdr []byte, maxSize int) (int, Type, error) {
	if len(hdr) < HeaderSize {
		return 0, 0, Notifyf(1, 2, "short header: %d bytes", len(hdr))
	}
	for _, b := range hdr[:16] {
		if b != 0xFF {
			return 0, 0, &Notify{Code: 1, Subcode: 1, Data: append([]byte(nil), hdr[:16]...)}
		}
	}
	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	t := Type(hdr[18])
	if length < HeaderSize || length > maxSize {
		return 0, 0, &Notify{Code: 1, Subcode: 2, Data: hdr[16:18:18]}
	}
	switch t {
	case TypeOpen, TypeUpdate, TypeNotification, TypeKeepalive, TypeRouteRefresh, TypeOperational:
	default:
		return 0, 0, &Notify{Code: 1, Subcode: 3, Data: []byte{uint8(t)}}
	}
	// Fixed minimum body sizes per type.
	switch t {
	case TypeOpen:
		if length < HeaderSize+10 {
			return 0, 0, &Notify{Code: 1, Subcode: 2, Data: hdr[16:18:18]}
		}
	case TypeUpdate:
		if length < HeaderSize+4 {
			return 0, 0, &Notify{Code: 1, Subcode: 2, Data: hdr[16:18:18]}
		}
	case TypeNotification:
		if length < HeaderSize+2 {
			return 0, 0, &Notify{Code: 1, Subcode: 2, Data: hdr[16:18:18]}
		}
	case TypeKeepalive:
		if length != HeaderSize {
			return 0, 0, &Notify{Code: 1, Subcode: 2, Data: hdr[16:18:18]}
		}
	}
	return length, t, nil
}

// Notify is a protocol fault carrying the RFC 4271 (code, subcode) tuple.
// Raised by the codec on malformed input and by the FSM on protocol
// violations; the peer converts it into a NOTIFICATION message before the
// session drops to Idle.
type Notify struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (n *Notify) Error() string {
	s := fmt.Sprintf("NOTIFICATION (%d,%d) %s", n.Code, n.Subcode, NotificationString(n.Code, n.Subcode))
	if len(n.Data) > 0 {
		s += fmt.Sprintf(" [%x]", n.Data)
	}
	return s
}

// Notifyf builds a Notify whose data carries a printable diagnostic.
func Notifyf(code, subcode uint8, format string, args ...any) *Notify {
	return &Notify{Code: code, Subcode: subcode, Data: []byte(fmt.Sprintf(format, args...))}
}

package message

import (
	"encoding/hex"
	"fmt"
)

// Notification error codes (RFC 4271 §4.5).
const (
	CodeMessageHeaderError uint8 = 1
	CodeOpenError          uint8 = 2
	CodeUpdateError        uint8 = 3
	CodeHoldTimerExpired   uint8 = 4
	CodeFSMError           uint8 = 5
	CodeCease              uint8 = 6
)

// OPEN error subcodes.
const (
	SubcodeUnsupportedVersion    uint8 = 1
	SubcodeBadPeerAS             uint8 = 2
	SubcodeBadBGPIdentifier      uint8 = 3
	SubcodeUnsupportedParameter  uint8 = 4
	SubcodeUnacceptableHoldTime  uint8 = 6
	SubcodeUnsupportedCapability uint8 = 7
)

// Cease subcodes (RFC 4486).
const (
	SubcodeMaxPrefixesReached     uint8 = 1
	SubcodeAdministrativeShutdown uint8 = 2
	SubcodePeerDeconfigured       uint8 = 3
	SubcodeAdministrativeReset    uint8 = 4
	SubcodeConnectionRejected     uint8 = 5
	SubcodeConfigurationChange    uint8 = 6
	SubcodeCollisionResolution    uint8 = 7
	SubcodeOutOfResources         uint8 = 8
)

var notificationCodes = map[uint8]string{
	1: "Message Header Error",
	2: "OPEN Message Error",
	3: "UPDATE Message Error",
	4: "Hold Timer Expired",
	5: "Finite State Machine Error",
	6: "Cease",
}

var notificationSubcodes = map[uint16]string{
	1<<8 | 1: "Connection Not Synchronized",
	1<<8 | 2: "Bad Message Length",
	1<<8 | 3: "Bad Message Type",
	2<<8 | 1: "Unsupported Version Number",
	2<<8 | 2: "Bad Peer AS",
	2<<8 | 3: "Bad BGP Identifier",
	2<<8 | 4: "Unsupported Optional Parameter",
	2<<8 | 6: "Unacceptable Hold Time",
	2<<8 | 7: "Unsupported Capability",
	3<<8 | 1: "Malformed Attribute List",
	3<<8 | 2: "Unrecognized Well-known Attribute",
	3<<8 | 3: "Missing Well-known Attribute",
	3<<8 | 4: "Attribute Flags Error",
	3<<8 | 5: "Attribute Length Error",
	3<<8 | 6: "Invalid ORIGIN Attribute",
	3<<8 | 8: "Invalid NEXT_HOP Attribute",
	3<<8 | 9: "Optional Attribute Error",
	3<<8 | 10: "Invalid Network Field",
	3<<8 | 11: "Malformed AS_PATH",
	6<<8 | 1: "Maximum Number of Prefixes Reached",
	6<<8 | 2: "Administrative Shutdown",
	6<<8 | 3: "Peer De-configured",
	6<<8 | 4: "Administrative Reset",
	6<<8 | 5: "Connection Rejected",
	6<<8 | 6: "Other Configuration Change",
	6<<8 | 7: "Connection Collision Resolution",
	6<<8 | 8: "Out of Resources",
}

// NotificationString renders the RFC name of a (code, subcode) tuple.
func NotificationString(code, subcode uint8) string {
	name, ok := notificationCodes[code]
	if !ok {
		name = fmt.Sprintf("unknown code %d", code)
	}
	if sub, ok := notificationSubcodes[uint16(code)<<8|uint16(subcode)]; ok {
		return name + " / " + sub
	}
	if subcode == 0 {
		return name
	}
	return fmt.Sprintf("%s / subcode %d", name, subcode)
}

// Notification is the on-wire NOTIFICATION message. The data field is never
// interpreted, only hex-printed for observability.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (n *Notification) Pack() []byte {
	body := make([]byte, 2+len(n.Data))
	body[0] = n.Code
	body[1] = n.Subcode
	copy(body[2:], n.Data)
	return body
}

// ParseNotification decodes a NOTIFICATION body.
func ParseNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, Notifyf(CodeMessageHeaderError, 2, "notification body too short: %d", len(body))
	}
	return &Notification{Code: body[0], Subcode: body[1], Data: append([]byte(nil), body[2:]...)}, nil
}

func (n *Notification) String() string {
	s := fmt.Sprintf("(%d,%d) %s", n.Code, n.Subcode, NotificationString(n.Code, n.Subcode))
	if len(n.Data) > 0 {
		s += " data " + hex.EncodeToString(n.Data)
	}
	return s
}

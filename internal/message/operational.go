package message

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Operational message categories (draft-ietf-idr-operational-message).
type OperationalCategory uint16

const (
	OperationalADM  OperationalCategory = 1 // advisory demand message
	OperationalASM  OperationalCategory = 2 // advisory static message
	OperationalRPCQ OperationalCategory = 3 // reachable prefix count request
	OperationalRPCP OperationalCategory = 4 // reachable prefix count reply
	OperationalAPCQ OperationalCategory = 5 // adj-rib-out prefix count request
	OperationalAPCP OperationalCategory = 6 // adj-rib-out prefix count reply
)

func (c OperationalCategory) String() string {
	switch c {
	case OperationalADM:
		return "advisory-demand"
	case OperationalASM:
		return "advisory-static"
	case OperationalRPCQ:
		return "rpcq"
	case OperationalRPCP:
		return "rpcp"
	case OperationalAPCQ:
		return "apcq"
	case OperationalAPCP:
		return "apcp"
	}
	return fmt.Sprintf("operational(%d)", uint16(c))
}

// Operational carries an advisory, a counter query, or a counter reply for
// one family. Advisories use only Data; queries add router-id and sequence;
// replies add the counter value.
type Operational struct {
	Category OperationalCategory
	Family   Family
	RouterID netip.Addr
	Sequence uint32
	Counter  uint64
	Data     []byte
}

func (o *Operational) advisory() bool {
	return o.Category == OperationalADM || o.Category == OperationalASM
}

func (o *Operational) query() bool {
	return o.Category == OperationalRPCQ || o.Category == OperationalAPCQ
}

func (o *Operational) Pack() []byte {
	var value []byte
	value = binary.BigEndian.AppendUint16(value, uint16(o.Family.AFI))
	value = append(value, uint8(o.Family.SAFI))
	switch {
	case o.advisory():
		value = append(value, o.Data...)
	case o.query():
		id := o.RouterID.As4()
		value = append(value, id[:]...)
		value = binary.BigEndian.AppendUint32(value, o.Sequence)
	default:
		id := o.RouterID.As4()
		value = append(value, id[:]...)
		value = binary.BigEndian.AppendUint32(value, o.Sequence)
		value = binary.BigEndian.AppendUint64(value, o.Counter)
	}
	out := make([]byte, 0, 4+len(value))
	out = binary.BigEndian.AppendUint16(out, uint16(o.Category))
	out = binary.BigEndian.AppendUint16(out, uint16(len(value)))
	return append(out, value...)
}

func ParseOperational(body []byte) (*Operational, error) {
	if len(body) < 4 {
		return nil, Notifyf(CodeMessageHeaderError, 2, "operational body too short: %d", len(body))
	}
	o := &Operational{Category: OperationalCategory(binary.BigEndian.Uint16(body[0:2]))}
	length := int(binary.BigEndian.Uint16(body[2:4]))
	if 4+length > len(body) {
		return nil, Notifyf(CodeMessageHeaderError, 2, "operational length %d exceeds data", length)
	}
	value := body[4 : 4+length]
	if len(value) < 3 {
		return nil, Notifyf(CodeMessageHeaderError, 2, "operational value too short")
	}
	o.Family = Family{AFI(binary.BigEndian.Uint16(value[0:2])), SAFI(value[2])}
	value = value[3:]
	switch {
	case o.advisory():
		o.Data = append([]byte(nil), value...)
	case o.query():
		if len(value) != 8 {
			return nil, Notifyf(CodeMessageHeaderError, 2, "operational query length %d", len(value))
		}
		o.RouterID = netip.AddrFrom4([4]byte(value[0:4]))
		o.Sequence = binary.BigEndian.Uint32(value[4:8])
	default:
		if len(value) != 16 {
			return nil, Notifyf(CodeMessageHeaderError, 2, "operational reply length %d", len(value))
		}
		o.RouterID = netip.AddrFrom4([4]byte(value[0:4]))
		o.Sequence = binary.BigEndian.Uint32(value[4:8])
		o.Counter = binary.BigEndian.Uint64(value[8:16])
	}
	return o, nil
}

func (o *Operational) String() string {
	if o.advisory() {
		return fmt.Sprintf("operational %s %s %q", o.Category, o.Family, o.Data)
	}
	return fmt.Sprintf("operational %s %s sequence %d", o.Category, o.Family, o.Sequence)
}

package peer

import (
	"time"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// State is the RFC 4271 session state.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateConnect
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateConnect:
		return "connect"
	case StateOpenSent:
		return "opensent"
	case StateOpenConfirm:
		return "openconfirm"
	case StateEstablished:
		return "established"
	}
	return "unknown"
}

// Event kinds emitted on the API subscription channel.
const (
	EventState        = "state"
	EventConnected    = "connected"
	EventUp           = "up"
	EventDown         = "down"
	EventOpenSent     = "open-sent"
	EventOpenReceived = "open-received"
	EventKeepalive    = "keepalive"
	EventUpdate       = "update"
	EventRefresh      = "refresh"
	EventNotification = "notification"
	EventOperational  = "operational"
	EventNegotiated   = "negotiated"
	EventSignal       = "signal"
)

// Event is one structured notification about a peer's lifecycle or traffic.
type Event struct {
	Time      time.Time
	Peer      string
	Type      string
	State     State
	Direction string // "send" or "receive" where applicable
	Reason    string

	Open         *message.Open
	Update       *message.UpdateCollection
	Notification *message.Notification
	Refresh      *message.RouteRefresh
	Operational  *message.Operational
	Negotiated   *message.Negotiated
	Raw          []byte
}

// Sink receives peer events. Implementations must not block; the reactor's
// sink fans out to API sessions, helper processes and the exporter.
type Sink interface {
	PeerEvent(Event)
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) PeerEvent(Event) {}

// subscribed applies the peer's API subscription mask.
func (p *Peer) subscribed(kind string) bool {
	subs := p.cfg().Subscriptions
	if len(subs) == 0 {
		return true
	}
	for _, s := range subs {
		if s == kind {
			return true
		}
	}
	return false
}

func (p *Peer) emit(ev Event) {
	if !p.subscribed(ev.Type) {
		return
	}
	ev.Time = time.Now()
	ev.Peer = p.cfg().Name
	p.sink.PeerEvent(ev)
}

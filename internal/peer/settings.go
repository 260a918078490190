// Package peer implements the per-peer finite state machine: outbound
// connect and inbound accept sub-sessions, OPEN negotiation, the steady
// send/receive loop with keepalive and hold timers, End-of-RIB emission,
// graceful restart, and error-to-NOTIFICATION mapping.
package peer

import (
	"fmt"
	"net/netip"
	"reflect"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/message"
)

// Settings is the immutable per-peer configuration. Reconfiguration
// replaces the whole value and schedules reestablishment when it differs.
type Settings struct {
	Name         string
	PeerAddress  netip.Addr
	LocalAddress netip.Addr // invalid = auto, resolved after connect
	PeerAS       uint32
	LocalAS      uint32
	RouterID     netip.Addr
	HoldTime     uint16

	Families []message.Family

	Passive bool
	Port    uint16

	MD5Password string
	TTL         uint8
	GTSM        uint8

	RouteRefresh         bool
	EnhancedRouteRefresh bool
	GracefulRestart      bool
	GracefulRestartTime  uint16
	AddPath              map[message.Family]uint8
	ASN4                 bool
	AIGP                 bool
	ExtendedMessage      bool
	MultiSession         bool
	Operational          bool

	Once      bool
	RateLimit int
	AdjRIBIn  bool
	AdjRIBOut bool

	Subscriptions []string

	// Routes are the configured initial advertisements, flow-spec rules
	// included; sentinels stay unresolved until the session knows its local
	// address.
	Routes []*message.Route
}

// SettingsFromConfig resolves a validated peer stanza.
func SettingsFromConfig(name string, routerID netip.Addr, pc config.PeerConfig) (*Settings, error) {
	peerAddr, err := netip.ParseAddr(pc.PeerAddress)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", name, err)
	}
	s := &Settings{
		Name:        name,
		PeerAddress: peerAddr,
		PeerAS:      pc.PeerAS,
		LocalAS:     pc.LocalAS,
		RouterID:    routerID,
		HoldTime:    pc.HoldTime,

		Passive: pc.Passive,
		Port:    pc.Port,

		MD5Password: pc.MD5Password,
		TTL:         pc.TTL,
		GTSM:        pc.GTSM,

		RouteRefresh:         pc.RouteRefresh,
		EnhancedRouteRefresh: pc.EnhancedRouteRefresh,
		GracefulRestart:      pc.GracefulRestart,
		GracefulRestartTime:  pc.GracefulRestartTime,
		ASN4:                 pc.ASN4,
		AIGP:                 pc.AIGP,
		ExtendedMessage:      pc.ExtendedMessage,
		MultiSession:         pc.MultiSession,
		Operational:          pc.Operational,

		Once:      pc.Once,
		RateLimit: pc.RateLimit,
		AdjRIBIn:  pc.AdjRIBIn,
		AdjRIBOut: pc.AdjRIBOut,

		Subscriptions: pc.APISubscriptions,
	}
	if s.HoldTime == 0 {
		s.HoldTime = 180
	}
	if pc.RouterID != "" {
		s.RouterID, _ = netip.ParseAddr(pc.RouterID)
	}
	if pc.LocalAddress != "" && pc.LocalAddress != "auto" {
		s.LocalAddress, _ = netip.ParseAddr(pc.LocalAddress)
	}
	if len(pc.Families) == 0 {
		if peerAddr.Is4() {
			s.Families = []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}}
		} else {
			s.Families = []message.Family{{AFI: message.AFIIPv6, SAFI: message.SAFIUnicast}}
		}
	} else {
		for _, f := range pc.Families {
			fam, err := config.ParseFamily(f)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", name, err)
			}
			s.Families = append(s.Families, fam)
		}
	}
	if len(pc.AddPath) > 0 {
		s.AddPath = map[message.Family]uint8{}
		for f, dir := range pc.AddPath {
			fam, err := config.ParseFamily(f)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", name, err)
			}
			switch dir {
			case "send":
				s.AddPath[fam] = message.AddPathSend
			case "receive":
				s.AddPath[fam] = message.AddPathReceive
			case "both":
				s.AddPath[fam] = message.AddPathBoth
			}
		}
	}
	for i, rc := range pc.Routes {
		r, err := rc.BuildRoute()
		if err != nil {
			return nil, fmt.Errorf("peer %s: route %d: %w", name, i, err)
		}
		s.Routes = append(s.Routes, r)
	}
	for i, fc := range pc.Flows {
		r, err := fc.BuildFlow()
		if err != nil {
			return nil, fmt.Errorf("peer %s: flow %d: %w", name, i, err)
		}
		s.Routes = append(s.Routes, r)
	}
	return s, nil
}

// SessionEqual reports whether two settings negotiate identical sessions;
// differing route sets alone do not force a session drop on reload.
func (s *Settings) SessionEqual(o *Settings) bool {
	a, b := *s, *o
	a.Routes, b.Routes = nil, nil
	return reflect.DeepEqual(a, b)
}

// OpenCapabilities builds the capability list we advertise.
func (s *Settings) OpenCapabilities() []message.Capability {
	var caps []message.Capability
	for _, f := range s.Families {
		caps = append(caps, message.MultiProtocolCap(f))
	}
	if s.RouteRefresh {
		caps = append(caps, message.RouteRefreshCap{})
	}
	if s.EnhancedRouteRefresh {
		caps = append(caps, message.EnhancedRouteRefreshCap{})
	}
	if s.ASN4 || s.LocalAS > 0xFFFF {
		caps = append(caps, message.ASN4Cap(s.LocalAS))
	}
	if s.GracefulRestart {
		gr := &message.GracefulRestartCap{Time: s.GracefulRestartTime}
		if gr.Time == 0 {
			gr.Time = 120
		}
		for _, f := range s.Families {
			gr.Families = append(gr.Families, message.GRTuple{Family: f, Flags: 0x80})
		}
		caps = append(caps, gr)
	}
	if len(s.AddPath) > 0 {
		var ap message.AddPathCap
		for _, f := range s.Families {
			if dir, ok := s.AddPath[f]; ok {
				ap = append(ap, message.AddPathFamily{Family: f, SendReceive: dir})
			}
		}
		if len(ap) > 0 {
			caps = append(caps, ap)
		}
	}
	if s.ExtendedMessage {
		caps = append(caps, message.ExtendedMessageCap{})
	}
	if s.MultiSession {
		caps = append(caps, message.MultiSessionCap{})
	}
	if s.AIGP {
		caps = append(caps, message.AIGPCap{})
	}
	if s.Operational {
		caps = append(caps, message.OperationalCap{})
	}
	return caps
}

// Open builds the OPEN message we send.
func (s *Settings) Open() *message.Open {
	return message.NewOpen(s.LocalAS, s.HoldTime, s.RouterID, s.OpenCapabilities())
}

// openWait is how long a sub-session waits for the peer's OPEN.
const openWait = 10 * time.Second

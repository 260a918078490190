package peer

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

type chanSink struct{ ch chan Event }

func (s *chanSink) PeerEvent(ev Event) {
	select {
	case s.ch <- ev:
	default:
	}
}

func testSettings() *Settings {
	return &Settings{
		Name:        "lab",
		PeerAddress: netip.MustParseAddr("192.0.2.1"),
		LocalAS:     65000,
		PeerAS:      65001,
		RouterID:    netip.MustParseAddr("1.1.1.1"),
		HoldTime:    180,
		Families:    []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}},
		Passive:     true,
		Routes: []*message.Route{
			message.NewRoute(
				message.NewPrefix(message.AFIIPv4, message.SAFIUnicast, netip.MustParsePrefix("10.0.0.0/24"), 0),
				message.NewAttributeCollection(message.OriginCodeIGP, &message.ASPath{}, message.MED(100)),
				message.NewNextHop(netip.MustParseAddr("192.168.1.1")),
			),
		},
	}
}

func readMsg(t *testing.T, r net.Conn) (message.Type, []byte) {
	t.Helper()
	hdr := make([]byte, message.HeaderSize)
	r.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	length, mtype, err := message.ParseHeader(hdr, message.MaxMessageSize)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	body := make([]byte, length-message.HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return mtype, body
}

func remoteOpen() *message.Open {
	return message.NewOpen(65001, 180, netip.MustParseAddr("2.2.2.2"), []message.Capability{
		message.MultiProtocolCap{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast},
	})
}

// Full inbound establishment: OPEN exchange, keepalives, the configured
// route flushed as an UPDATE, then the End-of-RIB marker.
func TestInboundEstablishment(t *testing.T) {
	sink := &chanSink{ch: make(chan Event, 64)}
	p, err := New(testSettings(), sink, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	local, remote := net.Pipe()
	defer remote.Close()
	if !p.DeliverInbound(local) {
		t.Fatal("inbound not accepted")
	}

	// the peer speaks first
	mtype, body := readMsg(t, remote)
	if mtype != message.TypeOpen {
		t.Fatalf("expected OPEN, got %s", mtype)
	}
	open, err := message.ParseOpen(body)
	if err != nil {
		t.Fatal(err)
	}
	if open.EffectiveASN() != 65000 || open.RouterID != netip.MustParseAddr("1.1.1.1") {
		t.Errorf("open mismatch: %s", open)
	}

	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	remote.Write(message.Frame(message.TypeOpen, remoteOpen().Pack()))

	mtype, _ = readMsg(t, remote)
	if mtype != message.TypeKeepalive {
		t.Fatalf("expected KEEPALIVE, got %s", mtype)
	}
	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	remote.Write(message.Keepalive())

	// configured route flushed
	mtype, body = readMsg(t, remote)
	if mtype != message.TypeUpdate {
		t.Fatalf("expected UPDATE, got %s", mtype)
	}
	neg := &message.Negotiated{Families: []message.Family{{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}}, MsgSize: message.MaxMessageSize}
	u, err := message.ParseUpdate(body, neg)
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Announces) != 1 || u.Announces[0].NLRI.String() != "10.0.0.0/24" {
		t.Fatalf("announce mismatch: %v", u.Announces)
	}
	med, ok := u.Attributes.Get(message.AttrMED)
	if !ok || med.(message.MED) != 100 {
		t.Errorf("med mismatch: %v", med)
	}

	// End-of-RIB per negotiated family
	mtype, body = readMsg(t, remote)
	if mtype != message.TypeUpdate {
		t.Fatalf("expected EOR UPDATE, got %s", mtype)
	}
	if f, ok := message.IsEOR(body); !ok || f != (message.Family{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}) {
		t.Fatalf("expected ipv4 unicast EOR, got %x", body)
	}

	if p.State() != StateEstablished {
		t.Errorf("state %s, want established", p.State())
	}

	// lifecycle events were emitted
	sawUp := false
	timeout := time.After(2 * time.Second)
	for !sawUp {
		select {
		case ev := <-sink.ch:
			if ev.Type == EventUp {
				sawUp = true
			}
		case <-timeout:
			t.Fatal("no up event")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop")
	}
}

// A NOTIFICATION from the peer drops the session and is reported.
func TestInboundNotificationDropsSession(t *testing.T) {
	sink := &chanSink{ch: make(chan Event, 64)}
	s := testSettings()
	s.Routes = nil
	p, err := New(s, sink, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	local, remote := net.Pipe()
	defer remote.Close()
	p.DeliverInbound(local)

	mtype, _ := readMsg(t, remote)
	if mtype != message.TypeOpen {
		t.Fatalf("expected OPEN, got %s", mtype)
	}
	n := &message.Notification{Code: 6, Subcode: 4}
	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	remote.Write(message.Frame(message.TypeNotification, n.Pack()))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sink.ch:
			if ev.Type == EventNotification && ev.Direction == "receive" {
				if ev.Notification.Code != 6 || ev.Notification.Subcode != 4 {
					t.Fatalf("notification mismatch: %s", ev.Notification)
				}
				return
			}
		case <-timeout:
			t.Fatal("no notification event")
		}
	}
}

// A peer OPEN with the wrong ASN is refused with Notify(2,2).
func TestInboundBadPeerAS(t *testing.T) {
	s := testSettings()
	s.Routes = nil
	p, err := New(s, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	local, remote := net.Pipe()
	defer remote.Close()
	p.DeliverInbound(local)

	readMsg(t, remote) // their OPEN
	bad := message.NewOpen(65099, 180, netip.MustParseAddr("2.2.2.2"), nil)
	remote.SetWriteDeadline(time.Now().Add(5 * time.Second))
	remote.Write(message.Frame(message.TypeOpen, bad.Pack()))

	mtype, body := readMsg(t, remote)
	if mtype != message.TypeNotification {
		t.Fatalf("expected NOTIFICATION, got %s", mtype)
	}
	n, _ := message.ParseNotification(body)
	if n.Code != 2 || n.Subcode != 2 {
		t.Fatalf("expected (2,2), got %s", n)
	}
}

func TestSettingsOpenCapabilities(t *testing.T) {
	s := testSettings()
	s.RouteRefresh = true
	s.GracefulRestart = true
	s.LocalAS = 131072
	s.AddPath = map[message.Family]uint8{
		{AFI: message.AFIIPv4, SAFI: message.SAFIUnicast}: message.AddPathSend,
	}
	o := s.Open()
	if o.ASN != message.ASTrans {
		t.Errorf("expected AS_TRANS, got %d", o.ASN)
	}
	if o.EffectiveASN() != 131072 {
		t.Errorf("effective asn %d", o.EffectiveASN())
	}
	if gr, ok := o.GracefulRestart(); !ok || gr.Time != 120 {
		t.Errorf("graceful restart cap missing or wrong: %+v", gr)
	}
	if len(o.Families()) != 1 {
		t.Errorf("families: %v", o.Families())
	}
}

func TestSessionEqualIgnoresRoutes(t *testing.T) {
	a := testSettings()
	b := testSettings()
	b.Routes = nil
	if !a.SessionEqual(b) {
		t.Error("route changes must not force a session drop")
	}
	b = testSettings()
	b.HoldTime = 90
	if a.SessionEqual(b) {
		t.Error("hold-time change must force reestablishment")
	}
}

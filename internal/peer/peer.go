package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/connection"
	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

const (
	// initialSkip is the first connect back-off; each failure multiplies it
	// by backoffFactor up to maxSkip. A successful establishment resets it.
	initialSkip   = time.Second
	backoffFactor = 1.2
	maxSkip       = 60 * time.Second
)

type commandKind int

const (
	cmdTeardown commandKind = iota
	cmdRefresh
	cmdOperational
	cmdEOR
	cmdKick
	cmdReconfigure
)

type command struct {
	kind        commandKind
	code        uint8
	family      message.Family
	operational *message.Operational
	settings    *Settings
}

// Peer owns one configured neighbor: its Adj-RIB-Out and Adj-RIB-In, the
// connect/accept sub-sessions, and the running session state. All session
// I/O happens on the peer's own goroutine; the reactor and control channel
// reach it through thread-safe methods.
type Peer struct {
	settings *Settings
	logger   *zap.Logger
	sink     Sink

	adjOut *rib.Outgoing
	adjIn  *rib.Incoming

	state atomic.Int32

	mu          sync.Mutex
	localAddr   netip.Addr
	negotiated  *message.Negotiated
	lastError   string
	pendingSelf []*message.Route
	stopping    bool

	inbound chan net.Conn
	cmds    chan command
	kick    chan struct{}

	skip time.Duration
}

// New builds a peer from its settings. Configured routes with concrete
// next-hops enter the Adj-RIB-Out immediately; routes carrying the self
// sentinel wait until a session resolves the local address.
func New(s *Settings, sink Sink, logger *zap.Logger) (*Peer, error) {
	if sink == nil {
		sink = nopSink{}
	}
	p := &Peer{
		settings: s,
		logger:   logger.With(zap.String("peer", s.Name)),
		sink:     sink,
		adjOut:   rib.NewOutgoing(),
		adjIn:    rib.NewIncoming(),
		inbound:  make(chan net.Conn, 1),
		cmds:     make(chan command, 16),
		kick:     make(chan struct{}, 1),
		skip:     initialSkip,
	}
	for _, r := range s.Routes {
		if !r.NextHop.Resolved() {
			p.pendingSelf = append(p.pendingSelf, r)
			continue
		}
		if err := p.adjOut.Announce(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// cfg snapshots the current settings; Reconfigure swaps them under the
// same lock.
func (p *Peer) cfg() *Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

func (p *Peer) Name() string        { return p.cfg().Name }
func (p *Peer) Settings() *Settings { return p.cfg() }
func (p *Peer) AdjOut() *rib.Outgoing {
	return p.adjOut
}
func (p *Peer) AdjIn() *rib.Incoming { return p.adjIn }

// State is the current FSM state.
func (p *Peer) State() State { return State(p.state.Load()) }

// Negotiated returns the live session parameters, nil when not established.
func (p *Peer) Negotiated() *message.Negotiated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiated
}

// LastError is the most recent session failure, for show neighbor.
func (p *Peer) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func (p *Peer) setState(s State) {
	if State(p.state.Swap(int32(s))) == s {
		return
	}
	metrics.SessionState.WithLabelValues(p.cfg().Name).Set(float64(s))
	metrics.FSMTransitionsTotal.WithLabelValues(p.cfg().Name, s.String()).Inc()
	p.emit(Event{Type: EventState, State: s})
}

// DeliverInbound hands over a connection accepted by the listener. It
// returns false when the peer cannot take it (one already queued).
func (p *Peer) DeliverInbound(conn net.Conn) bool {
	select {
	case p.inbound <- conn:
		return true
	default:
		return false
	}
}

// Announce queues a route toward this peer. Self sentinels are resolved
// against the session's local address when one is known.
func (p *Peer) Announce(r *message.Route) error {
	p.mu.Lock()
	local := p.localAddr
	p.mu.Unlock()
	if !r.NextHop.Resolved() {
		if !local.IsValid() {
			p.mu.Lock()
			p.pendingSelf = append(p.pendingSelf, r)
			p.mu.Unlock()
			return nil
		}
		r = r.ResolveSelf(local)
	}
	if err := p.adjOut.Announce(r); err != nil {
		return err
	}
	p.wake()
	return nil
}

// Withdraw queues a withdraw toward this peer.
func (p *Peer) Withdraw(n message.NLRI) {
	p.adjOut.Withdraw(n)
	p.wake()
}

// FlushAdjRIBOut re-sends everything currently advertised.
func (p *Peer) FlushAdjRIBOut() {
	p.adjOut.Resend()
	p.wake()
}

// ClearAdjRIBOut drops the queue and the advertised set.
func (p *Peer) ClearAdjRIBOut() { p.adjOut.Clear() }

// Teardown asks the session to close with Cease subcode code.
func (p *Peer) Teardown(code uint8) {
	select {
	case p.cmds <- command{kind: cmdTeardown, code: code}:
	default:
	}
}

// Stop closes the session with the given Cease subcode and prevents
// reconnection.
func (p *Peer) Stop(code uint8) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.Teardown(code)
}

// SendRefresh asks the peer to re-send its routes for a family.
func (p *Peer) SendRefresh(f message.Family) {
	select {
	case p.cmds <- command{kind: cmdRefresh, family: f}:
	default:
	}
}

// SendOperational queues an OPERATIONAL message.
func (p *Peer) SendOperational(o *message.Operational) {
	select {
	case p.cmds <- command{kind: cmdOperational, operational: o}:
	default:
	}
}

// SendEOR queues an explicit End-of-RIB for a family.
func (p *Peer) SendEOR(f message.Family) {
	select {
	case p.cmds <- command{kind: cmdEOR, family: f}:
	default:
	}
}

// Reconfigure installs new settings; a session-affecting change tears the
// session down for reestablishment with the new parameters.
func (p *Peer) Reconfigure(s *Settings) {
	p.mu.Lock()
	old := p.settings
	p.settings = s
	p.mu.Unlock()
	if !old.SessionEqual(s) {
		select {
		case p.cmds <- command{kind: cmdReconfigure, settings: s, code: message.SubcodeConfigurationChange}:
		default:
		}
	}
}

func (p *Peer) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the peer until the context is cancelled: back-off wait,
// connect or accept, handshake, steady loop, teardown, restart.
func (p *Peer) Run(ctx context.Context) {
	defer p.setState(StateIdle)
	for {
		p.setState(StateIdle)

		p.mu.Lock()
		stopping := p.stopping
		passive := p.settings.Passive
		p.mu.Unlock()
		if stopping {
			return
		}

		var timerC <-chan time.Time
		var t *time.Timer
		if !passive {
			t = time.NewTimer(p.skip)
			timerC = t.C
		}

		var conn net.Conn
		retry := false
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case conn = <-p.inbound:
		case <-timerC:
		case cmd := <-p.cmds:
			p.idleCommand(cmd)
			retry = true
		}
		if t != nil {
			t.Stop()
		}
		if retry {
			continue
		}

		established := p.attempt(ctx, conn)

		if established {
			p.skip = initialSkip
		} else {
			p.skip = time.Duration(float64(p.skip) * backoffFactor)
			if p.skip > maxSkip {
				p.skip = maxSkip
			}
		}
		if p.cfg().Once {
			p.logger.Info("once mode, not reconnecting")
			return
		}
	}
}

// idleCommand absorbs commands arriving while no session is up.
func (p *Peer) idleCommand(cmd command) {
	switch cmd.kind {
	case cmdTeardown, cmdReconfigure:
		// nothing to tear down
	default:
	}
}

func (p *Peer) fail(reason string) {
	p.mu.Lock()
	p.lastError = reason
	p.mu.Unlock()
	p.logger.Warn("session failed", zap.String("reason", reason))
}

// attempt runs one sub-session: inbound when conn is non-nil, outbound
// otherwise. It returns true when the session reached Established.
func (p *Peer) attempt(ctx context.Context, in net.Conn) bool {
	s := p.cfg()
	var c *connection.Conn
	direction := "in"

	if in != nil {
		c = connection.Wrap(in, p.logger)
	} else {
		direction = "out"
		p.setState(StateActive)
		dialCtx, cancel := context.WithTimeout(ctx, openWait)
		conn, err := connection.Dial(dialCtx, s.PeerAddress, connection.Options{
			LocalAddr: s.LocalAddress,
			Port:      s.Port,
			MD5:       s.MD5Password,
			TTL:       s.TTL,
			MinTTL:    s.GTSM,
			Timeout:   openWait,
		}, p.logger)
		cancel()
		if err != nil {
			p.fail(err.Error())
			p.emit(Event{Type: EventDown, Reason: err.Error()})
			metrics.ConnectFailuresTotal.WithLabelValues(s.Name).Inc()
			return false
		}
		c = conn
		p.setState(StateConnect)
	}
	defer c.Close()

	p.mu.Lock()
	p.localAddr = c.LocalAddr()
	p.mu.Unlock()
	p.emit(Event{Type: EventConnected, Direction: direction})

	neg, err := p.handshake(ctx, c, direction)
	if err != nil {
		p.teardownWith(c, err, nil)
		return false
	}

	p.establishedLoop(ctx, c, neg)
	return true
}

// handshake drives OPEN exchange on one connection: send OPEN, await and
// validate the peer's OPEN, send KEEPALIVE, await the peer's KEEPALIVE.
func (p *Peer) handshake(ctx context.Context, c *connection.Conn, direction string) (*message.Negotiated, error) {
	s := p.cfg()
	sent := s.Open()
	c.Send(message.Frame(message.TypeOpen, sent.Pack()))
	p.setState(StateOpenSent)
	p.emit(Event{Type: EventOpenSent, Open: sent})
	metrics.MessagesTotal.WithLabelValues(s.Name, "open", "send").Inc()

	wait := time.NewTimer(openWait)
	defer wait.Stop()

	var neg *message.Negotiated
	for {
		select {
		case <-ctx.Done():
			return nil, &message.Notify{Code: message.CodeCease, Subcode: message.SubcodeAdministrativeShutdown}

		case <-wait.C:
			return nil, message.Notifyf(message.CodeHoldTimerExpired, 0, "no OPEN within %s", openWait)

		case other := <-p.inbound:
			// Connection collision before Established: keep the session the
			// router-id comparison favours once both OPENs are known; before
			// that, prefer the inbound connection.
			if neg != nil && neg.LocalWins() {
				rejected := connection.Wrap(other, p.logger)
				rejected.Send(message.Frame(message.TypeNotification,
					(&message.Notification{Code: message.CodeCease, Subcode: message.SubcodeCollisionResolution}).Pack()))
				rejected.Close()
				continue
			}
			// hand the surviving connection back to the Run loop
			p.inbound <- other
			if neg != nil {
				c.Send(message.Frame(message.TypeNotification,
					(&message.Notification{Code: message.CodeCease, Subcode: message.SubcodeCollisionResolution}).Pack()))
			}
			c.Close()
			return nil, fmt.Errorf("%w: yielding to inbound connection", errCollision)

		case in, ok := <-c.C:
			if !ok {
				return nil, connection.ErrLostConnection
			}
			if in.Err != nil {
				return nil, in.Err
			}
			metrics.MessagesTotal.WithLabelValues(s.Name, typeLabel(in.Type), "receive").Inc()

			switch in.Type {
			case message.TypeNotification:
				n, perr := message.ParseNotification(in.Body)
				if perr != nil {
					return nil, perr
				}
				return nil, &receivedNotification{n}

			case message.TypeOpen:
				if neg != nil {
					return nil, message.Notifyf(message.CodeFSMError, 0, "second OPEN")
				}
				received, perr := message.ParseOpen(in.Body)
				if perr != nil {
					return nil, perr
				}
				p.emit(Event{Type: EventOpenReceived, Open: received, Direction: direction})
				if nerr := p.validateOpen(received); nerr != nil {
					return nil, nerr
				}
				var nerr error
				neg, nerr = message.Negotiate(sent, received)
				if nerr != nil {
					return nil, nerr
				}
				for _, f := range neg.Mismatch {
					p.logger.Warn("family requested but not advertised by peer", zap.String("family", f.String()))
				}
				c.Send(message.Keepalive())
				metrics.MessagesTotal.WithLabelValues(s.Name, "keepalive", "send").Inc()
				p.setState(StateOpenConfirm)

			case message.TypeKeepalive:
				if neg == nil {
					return nil, message.Notifyf(message.CodeFSMError, 0, "KEEPALIVE before OPEN")
				}
				return neg, nil

			default:
				return nil, message.Notifyf(message.CodeFSMError, 0, "unexpected %s during handshake", in.Type)
			}
		}
	}
}

func (p *Peer) validateOpen(o *message.Open) *message.Notify {
	s := p.cfg()
	if o.Version != 4 {
		return &message.Notify{Code: message.CodeOpenError, Subcode: message.SubcodeUnsupportedVersion, Data: []byte{o.Version}}
	}
	if o.EffectiveASN() != s.PeerAS {
		return message.Notifyf(message.CodeOpenError, message.SubcodeBadPeerAS, "expected %d got %d", s.PeerAS, o.EffectiveASN())
	}
	if o.RouterID == s.RouterID {
		return &message.Notify{Code: message.CodeOpenError, Subcode: message.SubcodeBadBGPIdentifier}
	}
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return message.Notifyf(message.CodeOpenError, message.SubcodeUnacceptableHoldTime, "hold time %d", o.HoldTime)
	}
	return nil
}

var errCollision = errors.New("peer: connection collision")

// receivedNotification wraps a NOTIFICATION sent by the peer so the
// teardown path reports it as received instead of sending one back.
type receivedNotification struct{ n *message.Notification }

func (r *receivedNotification) Error() string { return "received " + r.n.String() }

// teardownWith maps a session-ending error to its NOTIFICATION (when one
// can and should be sent) and reports the failure.
func (p *Peer) teardownWith(c *connection.Conn, err error, neg *message.Negotiated) {
	var notify *message.Notify
	var received *receivedNotification
	switch {
	case errors.As(err, &received):
		p.emit(Event{Type: EventNotification, Direction: "receive", Notification: received.n})
		metrics.MessagesTotal.WithLabelValues(p.cfg().Name, "notification", "receive").Inc()

	case errors.As(err, &notify):
		// Graceful restart: drop without a NOTIFICATION so the peer retains
		// our routes while we are away.
		graceful := neg != nil && neg.GracefulRestart && notify.Code == message.CodeCease &&
			notify.Subcode != message.SubcodeAdministrativeShutdown &&
			notify.Subcode != message.SubcodePeerDeconfigured
		if !graceful {
			n := &message.Notification{Code: notify.Code, Subcode: notify.Subcode, Data: notify.Data}
			c.Send(message.Frame(message.TypeNotification, n.Pack()))
			p.emit(Event{Type: EventNotification, Direction: "send", Notification: n})
			metrics.MessagesTotal.WithLabelValues(p.cfg().Name, "notification", "send").Inc()
		}

	case errors.Is(err, connection.ErrLostConnection):
		// transport fault: nothing can be sent

	case errors.Is(err, errCollision):
		// silently closed, the surviving sub-session carries on
	}

	p.fail(err.Error())
	p.emit(Event{Type: EventDown, Reason: err.Error()})
}

func typeLabel(t message.Type) string {
	switch t {
	case message.TypeOpen:
		return "open"
	case message.TypeUpdate:
		return "update"
	case message.TypeNotification:
		return "notification"
	case message.TypeKeepalive:
		return "keepalive"
	case message.TypeRouteRefresh:
		return "route-refresh"
	case message.TypeOperational:
		return "operational"
	}
	return "unknown"
}

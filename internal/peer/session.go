package peer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/connection"
	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/timer"
)

// establishedLoop is the steady state: drain incoming messages, flush the
// Adj-RIB-Out, keep the timers honest, and serve commands, until something
// ends the session.
func (p *Peer) establishedLoop(ctx context.Context, c *connection.Conn, neg *message.Negotiated) {
	s := p.cfg()
	p.setState(StateEstablished)
	c.SetMaxMessageSize(neg.MsgSize)

	p.mu.Lock()
	p.negotiated = neg
	p.lastError = ""
	local := p.localAddr
	pending := p.pendingSelf
	p.pendingSelf = nil
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.negotiated = nil
		p.mu.Unlock()
	}()

	p.emit(Event{Type: EventUp, State: StateEstablished})
	p.emit(Event{Type: EventNegotiated, Negotiated: neg})
	metrics.SessionEstablishedTotal.WithLabelValues(s.Name).Inc()
	p.logger.Info("session established",
		zap.Uint32("peer_as", neg.PeerAS),
		zap.Uint16("hold_time", neg.HoldTime),
		zap.Int("families", len(neg.Families)),
	)

	// Routes configured with a self next-hop resolve against the session's
	// local address now that it is known.
	for _, r := range pending {
		if err := p.adjOut.Announce(r.ResolveSelf(local)); err != nil {
			p.logger.Error("dropping route with unresolvable next-hop", zap.Error(err))
		}
	}
	// Everything previously advertised is re-sent on a fresh session.
	p.adjOut.Resend()

	now := time.Now()
	recv := timer.NewReceiveTimer(neg.HoldTime, now)
	send := timer.NewSendTimer(neg.HoldTime, now)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	eorPending := true

	flush := func() error {
		if !p.adjOut.Pending() {
			return nil
		}
		for _, u := range p.adjOut.Updates(true) {
			msgs, err := u.Messages(neg)
			if err != nil {
				// Oversized attribute sets produce nothing for the family;
				// the RIB entries survive so a later reload can flush them.
				p.logger.Error("cannot pack update", zap.Error(err))
				metrics.PackErrorsTotal.WithLabelValues(s.Name).Inc()
				continue
			}
			for _, m := range msgs {
				c.Send(m)
				send.Sent(time.Now())
				metrics.MessagesTotal.WithLabelValues(s.Name, "update", "send").Inc()
				metrics.UpdatesSentTotal.WithLabelValues(s.Name).Add(float64(len(u.Announces) + len(u.Withdraws)))
				if s.RateLimit > 0 {
					time.Sleep(time.Second / time.Duration(s.RateLimit))
				}
			}
		}
		return nil
	}

	sendEORs := func() {
		if !eorPending {
			return
		}
		eorPending = false
		if len(neg.Families) == 0 {
			// No MP families negotiated: the table-closed signal degrades to
			// a bare keepalive.
			c.Send(message.Keepalive())
			metrics.MessagesTotal.WithLabelValues(s.Name, "keepalive", "send").Inc()
			return
		}
		for _, f := range neg.Families {
			c.Send(message.EOR(f))
			metrics.MessagesTotal.WithLabelValues(s.Name, "update", "send").Inc()
		}
		send.Sent(time.Now())
	}

	// initial table flush, then End-of-RIB per negotiated family
	if err := flush(); err == nil {
		sendEORs()
	}

	for {
		select {
		case <-ctx.Done():
			p.teardownWith(c, &message.Notify{
				Code:    message.CodeCease,
				Subcode: message.SubcodeAdministrativeShutdown,
			}, neg)
			return

		case <-ticker.C:
			if err := recv.Check(time.Now()); err != nil {
				p.sessionDown(c, err, neg)
				return
			}
			if send.NeedKeepalive(time.Now()) {
				c.Send(message.Keepalive())
				metrics.MessagesTotal.WithLabelValues(s.Name, "keepalive", "send").Inc()
			}
			flush()

		case <-p.kick:
			flush()

		case cmd := <-p.cmds:
			switch cmd.kind {
			case cmdTeardown, cmdReconfigure:
				p.teardownWith(c, &message.Notify{Code: message.CodeCease, Subcode: cmd.code}, neg)
				return
			case cmdRefresh:
				rr := &message.RouteRefresh{Family: cmd.family}
				c.Send(message.Frame(message.TypeRouteRefresh, rr.Pack()))
				metrics.MessagesTotal.WithLabelValues(s.Name, "route-refresh", "send").Inc()
				p.emit(Event{Type: EventRefresh, Direction: "send", Refresh: rr})
			case cmdOperational:
				c.Send(message.Frame(message.TypeOperational, cmd.operational.Pack()))
				metrics.MessagesTotal.WithLabelValues(s.Name, "operational", "send").Inc()
			case cmdEOR:
				c.Send(message.EOR(cmd.family))
				metrics.MessagesTotal.WithLabelValues(s.Name, "update", "send").Inc()
			case cmdKick:
				flush()
			}

		case in, ok := <-c.C:
			if !ok {
				p.sessionDown(c, connection.ErrLostConnection, neg)
				return
			}
			if in.Err != nil {
				p.sessionDown(c, in.Err, neg)
				return
			}
			recv.Tick(time.Now())
			metrics.MessagesTotal.WithLabelValues(s.Name, typeLabel(in.Type), "receive").Inc()

			if err := p.handleMessage(c, neg, recv, in); err != nil {
				p.sessionDown(c, err, neg)
				return
			}
		}
	}
}

// handleMessage dispatches one received message in the Established state.
func (p *Peer) handleMessage(c *connection.Conn, neg *message.Negotiated, recv *timer.ReceiveTimer, in connection.Incoming) error {
	s := p.cfg()
	switch in.Type {
	case message.TypeKeepalive:
		if err := recv.Keepalive(time.Now()); err != nil {
			return err
		}
		p.emit(Event{Type: EventKeepalive, Direction: "receive"})

	case message.TypeUpdate:
		u, err := message.ParseUpdate(in.Body, neg)
		if err != nil {
			return err
		}
		if u.TreatAsWithdraw != nil {
			p.logger.Warn("treating update as withdraw", zap.Error(u.TreatAsWithdraw))
			metrics.TreatAsWithdrawTotal.WithLabelValues(s.Name).Inc()
		}
		p.checkNextHopSelf(u)
		if s.AdjRIBIn || len(s.Subscriptions) == 0 {
			p.adjIn.Update(u)
		}
		metrics.UpdatesReceivedTotal.WithLabelValues(s.Name).Add(float64(len(u.Announces) + len(u.Withdraws)))
		p.emit(Event{Type: EventUpdate, Update: u, Raw: in.Body})

	case message.TypeRouteRefresh:
		rr, err := message.ParseRouteRefresh(in.Body)
		if err != nil {
			return err
		}
		p.emit(Event{Type: EventRefresh, Direction: "receive", Refresh: rr})
		if rr.Subtype == message.RefreshRequest || neg.Refresh != message.RefreshEnhanced {
			p.refreshFamily(c, neg, rr.Family)
		}

	case message.TypeOperational:
		op, err := message.ParseOperational(in.Body)
		if err != nil {
			return err
		}
		p.emit(Event{Type: EventOperational, Operational: op})
		p.answerOperational(c, op)

	case message.TypeNotification:
		n, err := message.ParseNotification(in.Body)
		if err != nil {
			return err
		}
		return &receivedNotification{n}

	default:
		return message.Notifyf(message.CodeFSMError, 0, "unexpected %s in Established", in.Type)
	}
	return nil
}

// refreshFamily re-sends the Adj-RIB-Out for one family, bracketed by the
// enhanced refresh begin/end markers when negotiated.
func (p *Peer) refreshFamily(c *connection.Conn, neg *message.Negotiated, f message.Family) {
	if neg.Refresh == message.RefreshEnhanced {
		c.Send(message.Frame(message.TypeRouteRefresh, (&message.RouteRefresh{Family: f, Subtype: message.RefreshBegin}).Pack()))
	}
	for _, r := range p.adjOut.Advertised() {
		if r.NLRI.Family() != f {
			continue
		}
		u := message.NewUpdateCollection(
			[]message.RoutedNLRI{{NLRI: r.NLRI, NextHop: r.NextHop}}, nil, r.Attributes)
		msgs, err := u.Messages(neg)
		if err != nil {
			p.logger.Error("cannot pack refresh update", zap.Error(err))
			continue
		}
		c.Send(msgs...)
	}
	c.Send(message.EOR(f))
	if neg.Refresh == message.RefreshEnhanced {
		c.Send(message.Frame(message.TypeRouteRefresh, (&message.RouteRefresh{Family: f, Subtype: message.RefreshEnd}).Pack()))
	}
}

// answerOperational replies to counter queries with our table sizes.
func (p *Peer) answerOperational(c *connection.Conn, op *message.Operational) {
	var reply *message.Operational
	switch op.Category {
	case message.OperationalRPCQ:
		reply = &message.Operational{
			Category: message.OperationalRPCP,
			Family:   op.Family,
			RouterID: p.cfg().RouterID,
			Sequence: op.Sequence,
			Counter:  uint64(p.adjIn.Len()),
		}
	case message.OperationalAPCQ:
		reply = &message.Operational{
			Category: message.OperationalAPCP,
			Family:   op.Family,
			RouterID: p.cfg().RouterID,
			Sequence: op.Sequence,
			Counter:  uint64(len(p.adjOut.Advertised())),
		}
	default:
		return
	}
	c.Send(message.Frame(message.TypeOperational, reply.Pack()))
	metrics.MessagesTotal.WithLabelValues(p.cfg().Name, "operational", "send").Inc()
}

// checkNextHopSelf logs the RFC 4271 §5.1.3 violation of a next-hop equal
// to our local address; the session stays up.
func (p *Peer) checkNextHopSelf(u *message.UpdateCollection) {
	p.mu.Lock()
	local := p.localAddr
	p.mu.Unlock()
	if !local.IsValid() {
		return
	}
	for _, r := range u.Announces {
		if r.NextHop.Addr == local {
			p.logger.Warn("peer announced our own address as next-hop",
				zap.String("nlri", r.NLRI.String()),
				zap.String("next_hop", r.NextHop.String()))
		}
	}
}

// sessionDown ends an established session: graceful restart keeps the
// peer's routes stale, anything else clears the Adj-RIB-In.
func (p *Peer) sessionDown(c *connection.Conn, err error, neg *message.Negotiated) {
	if neg != nil && neg.GracefulRestart {
		p.adjIn.MarkStale()
	} else {
		p.adjIn.Clear()
	}
	p.teardownWith(c, err, neg)
}

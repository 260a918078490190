// Package reactor owns the running speaker: the listeners, the peer table,
// the control channel wiring, signal handling, and configuration reload.
package reactor

import (
	"context"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/connection"
	"github.com/route-beacon/bgp-speaker/internal/message"
	"github.com/route-beacon/bgp-speaker/internal/peer"
)

type peerEntry struct {
	peer   *peer.Peer
	cancel context.CancelFunc
	done   chan struct{}
}

// Reactor multiplexes every peer, the listeners and the control channel.
// Peers run as goroutines owning their own session state; the reactor owns
// the configuration and the peer table.
type Reactor struct {
	cfgPath string
	logger  *zap.Logger

	mu       sync.Mutex
	cfg      *config.Config
	routerID netip.Addr
	peers    map[string]*peerEntry
	sinks    []peer.Sink

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string, cfg *config.Config, logger *zap.Logger) (*Reactor, error) {
	routerID, err := netip.ParseAddr(cfg.Speaker.RouterID)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		cfgPath:  cfgPath,
		cfg:      cfg,
		routerID: routerID,
		logger:   logger,
		peers:    map[string]*peerEntry{},
	}, nil
}

// AddSink registers an event consumer (API server, helper process,
// exporter). Must be called before Run.
func (r *Reactor) AddSink(s peer.Sink) { r.sinks = append(r.sinks, s) }

// PeerEvent fans a peer event out to every sink.
func (r *Reactor) PeerEvent(ev peer.Event) {
	for _, s := range r.sinks {
		s.PeerEvent(ev)
	}
}

// Peers snapshots the peer set for the control channel.
func (r *Reactor) Peers() []*peer.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.peer)
	}
	return out
}

// PeerStates reports each peer's FSM state for the readiness endpoint.
func (r *Reactor) PeerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.peers))
	for name, e := range r.peers {
		out[name] = e.peer.State().String()
	}
	return out
}

// Shutdown closes every session with Administrative Shutdown and stops the
// reactor; in-flight flushes drain through the connection writers.
func (r *Reactor) Shutdown() {
	r.logger.Info("shutting down")
	r.mu.Lock()
	for _, e := range r.peers {
		e.peer.Stop(message.SubcodeAdministrativeShutdown)
	}
	r.mu.Unlock()
	if r.runCancel != nil {
		r.runCancel()
	}
}

// Run starts every configured peer and the listeners, then blocks on
// signals until shutdown.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.runCtx == nil {
		r.runCtx, r.runCancel = context.WithCancel(context.Background())
	}
	runCtx, cancel := r.runCtx, r.runCancel
	cfg := r.cfg
	r.mu.Unlock()
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	ctx = runCtx

	for name, pc := range cfg.Peers {
		if err := r.startPeer(name, pc); err != nil {
			return err
		}
	}

	accepted := make(chan net.Conn, 8)
	for _, bind := range cfg.Speaker.Listen {
		addr, _ := netip.ParseAddr(bind)
		ln, err := connection.Listen(addr, cfg.Speaker.Port, r.logger.Named("listener"))
		if err != nil {
			return err
		}
		for name, pc := range cfg.Peers {
			if pc.MD5Password == "" {
				continue
			}
			peerAddr, _ := netip.ParseAddr(pc.PeerAddress)
			if err := ln.RegisterMD5(peerAddr, pc.MD5Password); err != nil {
				r.logger.Warn("cannot install md5 key on listener",
					zap.String("peer", name), zap.Error(err))
			}
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ln.Serve(ctx, accepted)
		}()
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			r.wg.Wait()
			return nil

		case conn := <-accepted:
			r.matchInbound(conn)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				r.PeerEvent(peer.Event{Type: peer.EventSignal, Reason: sig.String()})
				r.Shutdown()
			case syscall.SIGHUP:
				r.PeerEvent(peer.Event{Type: peer.EventSignal, Reason: "reload"})
				if err := r.Reload(); err != nil {
					r.logger.Error("reload failed", zap.Error(err))
				}
			case syscall.SIGUSR1:
				r.PeerEvent(peer.Event{Type: peer.EventSignal, Reason: "restart"})
				r.Restart()
			}
		}
	}
}

func (r *Reactor) startPeer(name string, pc config.PeerConfig) error {
	r.mu.Lock()
	if r.runCtx == nil {
		r.runCtx, r.runCancel = context.WithCancel(context.Background())
	}
	runCtx := r.runCtx
	routerID := r.routerID
	r.mu.Unlock()
	s, err := peer.SettingsFromConfig(name, routerID, pc)
	if err != nil {
		return err
	}
	p, err := peer.New(s, r, r.logger.Named("peer"))
	if err != nil {
		return err
	}
	pctx, pcancel := context.WithCancel(runCtx)
	entry := &peerEntry{peer: p, cancel: pcancel, done: make(chan struct{})}
	r.mu.Lock()
	r.peers[name] = entry
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(entry.done)
		p.Run(pctx)
	}()
	return nil
}

func (r *Reactor) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.peers {
		e.cancel()
	}
}

// matchInbound resolves an accepted connection to a configured peer by
// source address; unknown sources are refused with a NOTIFICATION.
func (r *Reactor) matchInbound(conn net.Conn) {
	remote := netip.Addr{}
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			remote = addr.Unmap()
		}
	}

	r.mu.Lock()
	var target *peer.Peer
	for _, e := range r.peers {
		if e.peer.Settings().PeerAddress == remote {
			target = e.peer
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		r.logger.Warn("connection from unconfigured source", zap.String("source", remote.String()))
		refuse(conn, &message.Notification{
			Code:    message.CodeOpenError,
			Subcode: message.SubcodeBadBGPIdentifier,
		})
		return
	}
	if !target.DeliverInbound(conn) {
		refuse(conn, &message.Notification{
			Code:    message.CodeCease,
			Subcode: message.SubcodeConnectionRejected,
		})
	}
}

func refuse(conn net.Conn, n *message.Notification) {
	conn.Write(message.Frame(message.TypeNotification, n.Pack()))
	conn.Close()
}

// Reload re-reads the configuration and applies the difference: removed
// peers are torn down, changed peers reestablish with their new settings,
// unchanged peers get their route delta queued without a session drop.
func (r *Reactor) Reload() error {
	cfg, err := config.Load(r.cfgPath)
	if err != nil {
		return err
	}
	routerID, err := netip.ParseAddr(cfg.Speaker.RouterID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cfg = cfg
	r.routerID = routerID
	current := make(map[string]*peerEntry, len(r.peers))
	for name, e := range r.peers {
		current[name] = e
	}
	r.mu.Unlock()

	// removed peers
	for name, e := range current {
		if _, ok := cfg.Peers[name]; ok {
			continue
		}
		r.logger.Info("peer removed by reload", zap.String("peer", name))
		e.peer.Stop(message.SubcodePeerDeconfigured)
		e.cancel()
		r.mu.Lock()
		delete(r.peers, name)
		r.mu.Unlock()
	}

	for name, pc := range cfg.Peers {
		e, exists := current[name]
		if !exists {
			if err := r.startPeer(name, pc); err != nil {
				return err
			}
			continue
		}
		s, err := peer.SettingsFromConfig(name, routerID, pc)
		if err != nil {
			return err
		}
		old := e.peer.Settings()
		if !old.SessionEqual(s) {
			r.logger.Info("peer settings changed, reestablishing", zap.String("peer", name))
			e.peer.Reconfigure(s)
			continue
		}
		// session parameters unchanged: install the new settings (no
		// teardown) and queue only the route delta
		e.peer.Reconfigure(s)
		diffRoutes(e.peer, old.Routes, s.Routes)
	}
	return nil
}

// Restart drops and rebuilds every session.
func (r *Reactor) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.peers {
		e.peer.Teardown(message.SubcodeAdministrativeReset)
	}
}

// diffRoutes queues the delta between two route sets: withdraws for
// departed NLRIs, announces for new or changed ones (the RIB drops
// identical re-announcements).
func diffRoutes(p *peer.Peer, old, updated []*message.Route) {
	seen := map[string]bool{}
	for _, r := range updated {
		seen[message.Index(r.NLRI)] = true
	}
	for _, r := range old {
		if !seen[message.Index(r.NLRI)] {
			p.Withdraw(r.NLRI)
		}
	}
	for _, r := range updated {
		// sentinel routes wait for the session's local address
		_ = p.Announce(r)
	}
}

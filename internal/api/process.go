package api

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/peer"
)

const (
	// A helper crashing more than maxRespawns times inside respawnWindow is
	// abandoned with a critical log.
	maxRespawns   = 5
	respawnWindow = 63 * time.Second
)

// Process supervises one operator helper: events are written to its stdin,
// lines on its stdout are dispatched as commands whose acks go back on
// stdin.
type Process struct {
	name   string
	cfg    config.ProcessConfig
	engine *Engine
	logger *zap.Logger

	mu       sync.Mutex
	stdin    io.Writer
	encoding Encoding
	dead     bool
}

func NewProcess(name string, cfg config.ProcessConfig, engine *Engine, logger *zap.Logger) *Process {
	return &Process{
		name:     name,
		cfg:      cfg,
		engine:   engine,
		logger:   logger.With(zap.String("process", name)),
		encoding: ParseEncoding(cfg.Encoding),
	}
}

// PeerEvent forwards an event to the helper when it subscribes to the peer.
func (p *Process) PeerEvent(ev peer.Event) {
	if len(p.cfg.Neighbors) > 0 {
		found := false
		for _, n := range p.cfg.Neighbors {
			if n == ev.Peer {
				found = true
				break
			}
		}
		if !found {
			return
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || p.stdin == nil {
		return
	}
	io.WriteString(p.stdin, EncodeEvent(ev, p.encoding)+"\n")
}

// Run keeps the helper alive, restarting it after crashes until the respawn
// budget is exhausted.
func (p *Process) Run(ctx context.Context) {
	var restarts []time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("helper exited", zap.Error(err))
		metrics.ProcessRestartsTotal.WithLabelValues(p.name).Inc()

		now := time.Now()
		restarts = append(restarts, start)
		recent := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) < respawnWindow {
				recent = append(recent, t)
			}
		}
		restarts = recent
		if len(restarts) > maxRespawns {
			p.logger.Error("helper respawning too fast, giving up",
				zap.Int("restarts", len(restarts)),
				zap.Duration("window", respawnWindow))
			p.mu.Lock()
			p.dead = true
			p.mu.Unlock()
			return
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Process) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.cfg.Run[0], p.cfg.Run[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	p.logger.Info("helper started", zap.Strings("argv", p.cfg.Run))

	p.mu.Lock()
	p.stdin = stdin
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.stdin = nil
		p.mu.Unlock()
	}()

	writeBack := func(line string) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stdin != nil {
			io.WriteString(p.stdin, line+"\n")
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ack := p.engine.Dispatch(line, writeBack)
		writeBack(ack)
	}
	return cmd.Wait()
}

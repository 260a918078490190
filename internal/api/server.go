package api

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/peer"
	"golang.org/x/sys/unix"
)

// Server exposes the command surface on a local stream socket or a named
// pipe pair and fans peer events out to connected sessions.
type Server struct {
	cfg    config.APIConfig
	engine *Engine
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

type session struct {
	w        io.Writer
	mu       sync.Mutex
	encoding Encoding
}

func (s *session) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

func NewServer(cfg config.APIConfig, engine *Engine, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		sessions: map[*session]struct{}{},
	}
}

// PeerEvent delivers one event to every connected session in its chosen
// encoding.
func (s *Server) PeerEvent(ev peer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if err := sess.writeLine(EncodeEvent(ev, sess.encoding)); err != nil {
			delete(s.sessions, sess)
		}
	}
}

// Run serves the configured transport until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case "pipe":
		return s.runPipe(ctx)
	default:
		return s.runSocket(ctx)
	}
}

func (s *Server) runSocket(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Socket), 0o755); err != nil {
		return fmt.Errorf("api: socket directory: %w", err)
	}
	os.Remove(s.cfg.Socket)
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.cfg.Socket, err)
	}
	s.logger.Info("control channel listening", zap.String("socket", s.cfg.Socket))

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.cfg.Socket)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("api accept failed", zap.Error(err))
			continue
		}
		go s.serve(ctx, conn, conn)
	}
}

// runPipe serves a named-pipe pair: commands read from the in FIFO,
// responses and events written to the out FIFO.
func (s *Server) runPipe(ctx context.Context) error {
	for _, p := range []string{s.cfg.PipeIn, s.cfg.PipeOut} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("api: pipe directory: %w", err)
		}
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := unix.Mkfifo(p, 0o600); err != nil {
				return fmt.Errorf("api: mkfifo %s: %w", p, err)
			}
		}
	}
	// Opening O_RDWR keeps the read end alive across writer restarts.
	in, err := os.OpenFile(s.cfg.PipeIn, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("api: open %s: %w", s.cfg.PipeIn, err)
	}
	out, err := os.OpenFile(s.cfg.PipeOut, os.O_RDWR, 0)
	if err != nil {
		in.Close()
		return fmt.Errorf("api: open %s: %w", s.cfg.PipeOut, err)
	}
	s.logger.Info("control channel on pipes",
		zap.String("in", s.cfg.PipeIn), zap.String("out", s.cfg.PipeOut))

	go func() {
		<-ctx.Done()
		in.Close()
		out.Close()
	}()
	s.serve(ctx, in, out)
	return nil
}

func (s *Server) serve(ctx context.Context, r io.ReadCloser, w io.Writer) {
	defer r.Close()

	sess := &session{w: w, encoding: ParseEncoding(s.cfg.Encoding)}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// per-session encoding switch
		switch line {
		case "encoding json":
			sess.encoding = EncodingJSON
			sess.writeLine(AckDone)
			continue
		case "encoding text":
			sess.encoding = EncodingText
			sess.writeLine(AckDone)
			continue
		}
		ack := s.engine.Dispatch(line, func(out string) { sess.writeLine(out) })
		sess.writeLine(ack)
		if ack == AckShutdown {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

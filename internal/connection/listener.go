package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"go.uber.org/zap"
)

// Listener accepts inbound BGP connections on one bind address and hands
// them to the reactor for peer matching.
type Listener struct {
	ln     *net.TCPListener
	logger *zap.Logger
}

// Listen binds a TCP listener with SO_REUSEADDR set.
func Listen(addr netip.Addr, port uint16, logger *zap.Logger) (*Listener, error) {
	if port == 0 {
		port = DefaultPort
	}
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) { serr = setReuseAddr(fd) })
			if err != nil {
				return err
			}
			return serr
		},
	}
	target := netip.AddrPortFrom(addr, port).String()
	ln, err := lc.Listen(context.Background(), "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connection: listen %s: %w", target, err)
	}
	return &Listener{ln: ln.(*net.TCPListener), logger: logger}, nil
}

// RegisterMD5 installs a per-peer MD5 signature key on the listening socket
// so inbound SYNs from that peer validate.
func (l *Listener) RegisterMD5(peer netip.Addr, key string) error {
	rc, err := l.ln.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) { serr = setMD5Signature(fd, peer, key) }); err != nil {
		return err
	}
	return serr
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until the context is cancelled, delivering each
// to the accept channel. The caller owns the accepted connections.
func (l *Listener) Serve(ctx context.Context, accepted chan<- net.Conn) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		select {
		case accepted <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Package connection provides the framed TCP transport between a peer FSM
// and the wire: dialing and accepting with the BGP socket options (MD5
// signature, TTL security), a reader goroutine yielding framed messages,
// and a writer goroutine draining an outbound queue with backpressure.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// DefaultPort is the IANA BGP port.
const DefaultPort = 179

// ErrLostConnection reports an unrecoverable transport fault: the session
// drops without a NOTIFICATION because none can be delivered.
var ErrLostConnection = errors.New("connection: lost connection to peer")

// writeTimeout bounds each write of one queued message.
const writeTimeout = 10 * time.Second

// Incoming is one framed message, or the transport/framing fault that ended
// the stream.
type Incoming struct {
	Type message.Type
	Body []byte
	Err  error
}

// Options carries the per-peer transport configuration.
type Options struct {
	LocalAddr netip.Addr // unspecified = let the stack choose
	Port      uint16     // 0 = DefaultPort
	MD5       string     // TCP MD5 signature password, empty = off
	TTL       uint8      // outgoing TTL, 0 = default
	MinTTL    uint8      // GTSM: minimum accepted incoming TTL, 0 = off
	Timeout   time.Duration
}

// Conn is a framed BGP transport over one TCP connection. The reader
// goroutine feeds C; Send enqueues complete framed messages for the writer.
type Conn struct {
	C <-chan Incoming

	conn    net.Conn
	logger  *zap.Logger
	maxSize atomic.Int32

	mu      sync.Mutex
	out     [][]byte
	pending chan struct{}

	closed     chan struct{}
	closeOnce  sync.Once
	readerDone chan struct{}
	writerDone chan struct{}
}

// Dial opens an outbound connection to the peer and starts the transport
// goroutines once it is established.
func Dial(ctx context.Context, peer netip.Addr, opts Options, logger *zap.Logger) (*Conn, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	dialer := net.Dialer{
		Timeout: opts.Timeout,
		Control: controlFunc(peer, opts),
	}
	if opts.LocalAddr.IsValid() && !opts.LocalAddr.IsUnspecified() {
		dialer.LocalAddr = &net.TCPAddr{IP: opts.LocalAddr.AsSlice()}
	}
	target := netip.AddrPortFrom(peer, port).String()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s: %w", target, err)
	}
	return wrap(conn, logger), nil
}

// Wrap adopts an accepted connection handed over by the listener.
func Wrap(conn net.Conn, logger *zap.Logger) *Conn {
	return wrap(conn, logger)
}

func wrap(conn net.Conn, logger *zap.Logger) *Conn {
	ch := make(chan Incoming)
	c := &Conn{
		C:          ch,
		conn:       conn,
		logger:     logger,
		pending:    make(chan struct{}, 1),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.maxSize.Store(message.MaxMessageSize)
	go c.reader(ch)
	go c.writer()
	return c
}

// SetMaxMessageSize raises the framing limit after Extended Message is
// negotiated.
func (c *Conn) SetMaxMessageSize(size int) { c.maxSize.Store(int32(size)) }

// LocalAddr is the resolved local address, filled by the stack when the
// configuration left it to auto.
func (c *Conn) LocalAddr() netip.Addr {
	if a, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.Addr{}
}

// RemoteAddr is the peer's address as seen by the socket.
func (c *Conn) RemoteAddr() netip.Addr {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			return addr.Unmap()
		}
	}
	return netip.Addr{}
}

// Send enqueues framed messages. The writer drains the queue across
// writability; enqueueing never blocks the FSM.
func (c *Conn) Send(msgs ...[]byte) {
	c.mu.Lock()
	c.out = append(c.out, msgs...)
	c.mu.Unlock()
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// Close tears the connection down; pending writes are drained first.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Conn) shift() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) == 0 {
		return nil, false
	}
	m := c.out[0]
	c.out = c.out[1:]
	return m, true
}

func (c *Conn) drain() bool {
	for {
		m, ok := c.shift()
		if !ok {
			return true
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(m); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			return false
		}
	}
}

func (c *Conn) writer() {
	defer close(c.writerDone)
	defer c.conn.Close()
	for {
		select {
		case <-c.closed:
			c.drain()
			return
		case <-c.readerDone:
			c.drain()
			return
		case <-c.pending:
			if !c.drain() {
				return
			}
		}
	}
}

func (c *Conn) reader(ch chan<- Incoming) {
	defer close(c.readerDone)
	defer close(ch)

	deliver := func(in Incoming) bool {
		select {
		case ch <- in:
			return true
		case <-c.closed:
			return false
		}
	}

	hdr := make([]byte, message.HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, hdr); err != nil {
			deliver(Incoming{Err: classify(err)})
			return
		}
		length, mtype, err := message.ParseHeader(hdr, int(c.maxSize.Load()))
		if err != nil {
			deliver(Incoming{Err: err})
			return
		}
		body := make([]byte, length-message.HeaderSize)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			deliver(Incoming{Err: classify(err)})
			return
		}
		if !deliver(Incoming{Type: mtype, Body: body}) {
			return
		}
	}
}

// classify folds every transport fault into LostConnection; a clean close
// mid-message is a lost connection too.
func classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: peer closed the connection", ErrLostConnection)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrLostConnection, err)
	}
	return fmt.Errorf("%w: %v", ErrLostConnection, err)
}

// controlFunc applies the BGP socket options before connect: SO_REUSEADDR,
// MD5 signature, outgoing TTL and GTSM minimum TTL.
func controlFunc(peer netip.Addr, opts Options) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var serr error
		err := rc.Control(func(fd uintptr) {
			if e := setReuseAddr(fd); e != nil && serr == nil {
				serr = e
			}
			if opts.MD5 != "" {
				if e := setMD5Signature(fd, peer, opts.MD5); e != nil && serr == nil {
					serr = e
				}
			}
			if opts.TTL > 0 {
				if e := setTTL(fd, peer.Is6(), opts.TTL); e != nil && serr == nil {
					serr = e
				}
			}
			if opts.MinTTL > 0 {
				if e := setMinTTL(fd, peer.Is6(), opts.MinTTL); e != nil && serr == nil {
					serr = e
				}
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

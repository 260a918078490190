package connection

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// pipeConn builds a wrapped connection whose far end the test drives.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := Wrap(local, zap.NewNop())
	t.Cleanup(c.Close)
	return c, remote
}

func readFull(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

func TestReaderYieldsFramedMessages(t *testing.T) {
	c, remote := pipeConn(t)

	go func() {
		remote.Write(message.Keepalive())
		remote.Write(message.Frame(message.TypeNotification, []byte{6, 2}))
	}()

	in := <-c.C
	if in.Err != nil || in.Type != message.TypeKeepalive || len(in.Body) != 0 {
		t.Fatalf("keepalive mismatch: %+v", in)
	}
	in = <-c.C
	if in.Err != nil || in.Type != message.TypeNotification {
		t.Fatalf("notification mismatch: %+v", in)
	}
	if in.Body[0] != 6 || in.Body[1] != 2 {
		t.Errorf("body mismatch: %x", in.Body)
	}
}

func TestReaderBadMarker(t *testing.T) {
	c, remote := pipeConn(t)

	go func() {
		bad := message.Keepalive()
		bad[0] = 0
		remote.Write(bad)
	}()

	in := <-c.C
	var n *message.Notify
	if !errors.As(in.Err, &n) || n.Code != 1 || n.Subcode != 1 {
		t.Fatalf("expected Notify(1,1), got %v", in.Err)
	}
}

func TestReaderLostConnection(t *testing.T) {
	c, remote := pipeConn(t)

	go func() {
		// half a header, then EOF
		remote.Write(make([]byte, 7))
		remote.Close()
	}()

	in := <-c.C
	if !errors.Is(in.Err, ErrLostConnection) {
		t.Fatalf("expected LostConnection, got %v", in.Err)
	}
}

func TestWriterDrainsQueue(t *testing.T) {
	c, remote := pipeConn(t)

	c.Send(message.Keepalive(), message.Keepalive())

	got := readFull(t, remote, 2*message.HeaderSize)
	for i := 0; i < 2; i++ {
		hdr := got[i*message.HeaderSize : (i+1)*message.HeaderSize]
		length, mtype, err := message.ParseHeader(hdr, message.MaxMessageSize)
		if err != nil || length != 19 || mtype != message.TypeKeepalive {
			t.Fatalf("frame %d mismatch: %v", i, err)
		}
	}
}

func TestExtendedMessageSizeAccepted(t *testing.T) {
	c, remote := pipeConn(t)
	c.SetMaxMessageSize(message.ExtendedMessageSize)

	body := make([]byte, 8000)
	body[1] = 0 // an update-shaped body, content irrelevant to framing
	go remote.Write(message.Frame(message.TypeUpdate, body))

	in := <-c.C
	if in.Err != nil {
		t.Fatalf("unexpected error: %v", in.Err)
	}
	if len(in.Body) != 8000 {
		t.Errorf("body length %d", len(in.Body))
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	c, remote := pipeConn(t)

	body := make([]byte, 5000)
	go remote.Write(message.Frame(message.TypeUpdate, body))

	select {
	case in := <-c.C:
		var n *message.Notify
		if !errors.As(in.Err, &n) || n.Code != 1 || n.Subcode != 2 {
			t.Fatalf("expected Notify(1,2), got %v", in.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for framing error")
	}
}

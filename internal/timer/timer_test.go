package timer

import (
	"testing"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

func at(sec int) time.Time {
	return time.Unix(1_700_000_000, 0).Add(time.Duration(sec) * time.Second)
}

// Expiry triggers strictly after the hold time: at holdtime+1, not at
// holdtime.
func TestReceiveTimerBoundary(t *testing.T) {
	r := NewReceiveTimer(180, at(0))

	if err := r.Check(at(180)); err != nil {
		t.Fatalf("must not expire at exactly holdtime: %v", err)
	}
	err := r.Check(at(181))
	if err == nil {
		t.Fatal("must expire at holdtime+1")
	}
	n, ok := err.(*message.Notify)
	if !ok || n.Code != 4 || n.Subcode != 0 {
		t.Fatalf("expected Notify(4,0), got %v", err)
	}
}

func TestReceiveTimerTickResets(t *testing.T) {
	r := NewReceiveTimer(10, at(0))
	r.Tick(at(9))
	if err := r.Check(at(15)); err != nil {
		t.Fatalf("tick must reset the timer: %v", err)
	}
	if err := r.Check(at(20)); err == nil {
		t.Fatal("expected expiry 11s after the last tick")
	}
}

func TestReceiveTimerZeroHoldTime(t *testing.T) {
	r := NewReceiveTimer(0, at(0))
	if err := r.Check(at(100000)); err != nil {
		t.Fatalf("zero hold time disables the check: %v", err)
	}
	if err := r.Keepalive(at(1)); err != nil {
		t.Fatalf("first keepalive is tolerated: %v", err)
	}
	err := r.Keepalive(at(2))
	if err == nil {
		t.Fatal("second keepalive on a zero hold-time session is an error")
	}
	n, ok := err.(*message.Notify)
	if !ok || n.Code != 2 || n.Subcode != 6 {
		t.Fatalf("expected Notify(2,6), got %v", err)
	}
}

func TestReceiveTimerKeepaliveNonZeroHold(t *testing.T) {
	r := NewReceiveTimer(30, at(0))
	for i := 1; i <= 5; i++ {
		if err := r.Keepalive(at(i)); err != nil {
			t.Fatalf("keepalive %d: %v", i, err)
		}
	}
}

// NeedKeepalive is true iff a third of the hold time has passed since the last
// send.
func TestSendTimerBoundary(t *testing.T) {
	s := NewSendTimer(180, at(0))

	if s.NeedKeepalive(at(59)) {
		t.Fatal("keepalive not due before holdtime/3")
	}
	if !s.NeedKeepalive(at(60)) {
		t.Fatal("keepalive due at exactly holdtime/3")
	}
	// the successful check reset the timestamp
	if s.NeedKeepalive(at(61)) {
		t.Fatal("timestamp must reset after a due keepalive")
	}
	if !s.NeedKeepalive(at(120)) {
		t.Fatal("keepalive due again a third later")
	}
}

func TestSendTimerZeroHoldTime(t *testing.T) {
	s := NewSendTimer(0, at(0))
	if s.NeedKeepalive(at(100000)) {
		t.Fatal("zero hold time disables keepalives")
	}
}

func TestSendTimerSentDefers(t *testing.T) {
	s := NewSendTimer(30, at(0))
	s.Sent(at(9))
	if s.NeedKeepalive(at(18)) {
		t.Fatal("keepalive not due 9s after a send")
	}
	if !s.NeedKeepalive(at(19)) {
		t.Fatal("keepalive due 10s after a send")
	}
}

// Package timer implements the hold (receive) and keepalive (send) timers
// of RFC 4271 §4.4, including the zero hold-time special case.
package timer

import (
	"time"

	"github.com/route-beacon/bgp-speaker/internal/message"
)

// ReceiveTimer tracks the last time a message arrived and raises the hold
// timer expiry. Comparison is at one-second granularity: expiry triggers
// strictly after the hold time has passed.
type ReceiveTimer struct {
	holdTime uint16
	lastRead time.Time
	// single is set by the first keepalive on a zero hold-time session; a
	// second keepalive is a protocol error.
	single bool
}

func NewReceiveTimer(holdTime uint16, now time.Time) *ReceiveTimer {
	return &ReceiveTimer{holdTime: holdTime, lastRead: now}
}

// Tick records the arrival of any message.
func (t *ReceiveTimer) Tick(now time.Time) {
	t.lastRead = now
}

// Keepalive records a keepalive arrival. With a zero hold time only one
// keepalive is tolerated; a second raises Notify(2,6).
func (t *ReceiveTimer) Keepalive(now time.Time) error {
	t.lastRead = now
	if t.holdTime > 0 {
		return nil
	}
	if t.single {
		return message.Notifyf(message.CodeOpenError, message.SubcodeUnacceptableHoldTime,
			"second keepalive on zero hold-time session")
	}
	t.single = true
	return nil
}

// Check raises Notify(4,0) once more than the hold time has elapsed since
// the last read. A zero hold time disables the check.
func (t *ReceiveTimer) Check(now time.Time) error {
	if t.holdTime == 0 {
		return nil
	}
	if int64(now.Sub(t.lastRead)/time.Second) > int64(t.holdTime) {
		return message.Notifyf(message.CodeHoldTimerExpired, 0, "hold time %d expired", t.holdTime)
	}
	return nil
}

// SendTimer decides when a keepalive is due: every third of the hold time,
// never when the hold time is zero.
type SendTimer struct {
	holdTime uint16
	lastSent time.Time
}

func NewSendTimer(holdTime uint16, now time.Time) *SendTimer {
	return &SendTimer{holdTime: holdTime, lastSent: now}
}

// Sent records an outgoing message that counts as keepalive traffic.
func (t *SendTimer) Sent(now time.Time) {
	t.lastSent = now
}

// NeedKeepalive reports whether a keepalive is due and, when it is, resets
// the send timestamp.
func (t *SendTimer) NeedKeepalive(now time.Time) bool {
	if t.holdTime == 0 {
		return false
	}
	if int64(now.Sub(t.lastSent)/time.Second) >= int64(t.holdTime/3) {
		t.lastSent = now
		return true
	}
	return false
}

package transport

import (
	"sync/atomic"
	"time"
)

// Heartbeat tracks the PING/PONG exchange of one connection. It is shared
// by the reader goroutine (Seen, Pong) and the writer goroutine (Due, Sent,
// Expired), so every field is atomic.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration

	lastPing atomic.Int64
	lastSeen atomic.Int64
	rtt      atomic.Int64
}

// NewHeartbeat creates a monitor. A zero interval disables periodic pings;
// a zero timeout disables silence detection.
func NewHeartbeat(interval, timeout time.Duration) *Heartbeat {
	h := &Heartbeat{interval: interval, timeout: timeout}
	h.rtt.Store(-1)
	return h
}

// Reset starts the clocks for a fresh connection.
func (h *Heartbeat) Reset(now time.Time) {
	h.lastPing.Store(now.UnixNano())
	h.lastSeen.Store(now.UnixNano())
}

// Due reports whether a PING should be sent at now.
func (h *Heartbeat) Due(now time.Time) bool {
	if h.interval <= 0 {
		return false
	}
	return now.UnixNano()-h.lastPing.Load() >= int64(h.interval)
}

// Sent records that a PING left at now.
func (h *Heartbeat) Sent(now time.Time) {
	h.lastPing.Store(now.UnixNano())
}

// Seen records inbound traffic at now.
func (h *Heartbeat) Seen(now time.Time) {
	h.lastSeen.Store(now.UnixNano())
}

// Pong records the answer to a PING stamped with ts and returns the
// round-trip time, never negative.
func (h *Heartbeat) Pong(now time.Time, ts int64) time.Duration {
	d := now.UnixNano() - ts
	if d < 0 {
		d = 0
	}
	h.rtt.Store(d)
	return time.Duration(d)
}

// Expired reports whether the peer has been silent longer than the timeout.
func (h *Heartbeat) Expired(now time.Time) bool {
	if h.timeout <= 0 {
		return false
	}
	return now.UnixNano()-h.lastSeen.Load() > int64(h.timeout)
}

// RTT returns the last measured round-trip time. ok is false until the
// first PONG arrives.
func (h *Heartbeat) RTT() (time.Duration, bool) {
	d := h.rtt.Load()
	if d < 0 {
		return 0, false
	}
	return time.Duration(d), true
}

// tickEvery is how often the writer wakes up for heartbeat work.
func (h *Heartbeat) tickEvery() time.Duration {
	every := h.interval
	if h.timeout > 0 && (every <= 0 || h.timeout/4 < every) {
		every = h.timeout / 4
	}
	if every <= 0 {
		every = time.Second
	}
	return every
}

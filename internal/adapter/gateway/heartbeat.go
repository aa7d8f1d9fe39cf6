package gateway

import (
	"math/rand"
	"time"
)

// HeartbeatState tracks where the scheduler is in its beat/ack cycle.
type HeartbeatState int

const (
	// HeartbeatIdle means Start has not been called.
	HeartbeatIdle HeartbeatState = iota
	// HeartbeatArmed means the next beat is scheduled and the previous one
	// (if any) was acknowledged.
	HeartbeatArmed
	// HeartbeatAwaitingAck means a beat went out and no ack has arrived yet.
	HeartbeatAwaitingAck
	// HeartbeatMissed means a beat deadline elapsed while still awaiting an
	// ack. Terminal: the connection is a zombie and must be abandoned.
	HeartbeatMissed
)

// Heartbeat schedules liveness beats at the server-dictated interval. The
// first beat fires at interval*jitter to spread reconnecting clients out;
// every later beat fires a full interval after the previous one.
//
// Heartbeat is owned by a connection's driving goroutine and is not safe
// for concurrent use. The owner selects on C and calls Fire when it ticks.
type Heartbeat struct {
	interval time.Duration
	timer    *time.Timer
	state    HeartbeatState
}

// NewHeartbeat creates a scheduler for the given interval. jitter scales
// the first beat's delay and must be within [0, 1]; pass a negative value
// to draw one at random.
func NewHeartbeat(interval time.Duration, jitter float64) *Heartbeat {
	if jitter < 0 {
		jitter = rand.Float64()
	}
	first := time.Duration(float64(interval) * jitter)
	return &Heartbeat{
		interval: interval,
		timer:    time.NewTimer(first),
		state:    HeartbeatArmed,
	}
}

// C is the beat deadline channel. When it ticks, call Fire.
func (h *Heartbeat) C() <-chan time.Time {
	return h.timer.C
}

// State returns the current scheduler state.
func (h *Heartbeat) State() HeartbeatState {
	return h.state
}

// Fire handles an elapsed beat deadline. It returns true when the owner
// should send a beat now; false means the previous beat was never
// acknowledged and the connection is a zombie. The zombie verdict is
// delivered exactly once; the scheduler then stays in HeartbeatMissed and
// its timer never rearms.
func (h *Heartbeat) Fire() (beat bool) {
	switch h.state {
	case HeartbeatAwaitingAck:
		h.state = HeartbeatMissed
		return false
	case HeartbeatMissed:
		return false
	default:
		h.state = HeartbeatAwaitingAck
		h.timer.Reset(h.interval)
		return true
	}
}

// Sent records a beat transmitted outside the schedule, such as one the
// server explicitly requested. The ack expectation and the next deadline
// start over from now.
func (h *Heartbeat) Sent() {
	if h.state == HeartbeatMissed {
		return
	}
	h.state = HeartbeatAwaitingAck
	if !h.timer.Stop() {
		select {
		case <-h.timer.C:
		default:
		}
	}
	h.timer.Reset(h.interval)
}

// Ack records a heartbeat acknowledgment from the server.
func (h *Heartbeat) Ack() {
	if h.state == HeartbeatAwaitingAck {
		h.state = HeartbeatArmed
	}
}

// Stop releases the timer. The scheduler cannot be restarted.
func (h *Heartbeat) Stop() {
	h.timer.Stop()
}

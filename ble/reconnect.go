package ble

import (
	"time"

	"github.com/davidroman0O/blelink/state"
)

// ReconnectManager schedules reconnect attempts after a connection is lost.
// Each device has a short-term one, which reconnects without the application
// seeing the device leave CONNECTED, and a long-term one that runs after the
// device is reported DISCONNECTED.
type ReconnectManager struct {
	cm   *connectionManager
	kind ReconnectType

	attempts   int
	total      time.Duration
	delay      time.Duration
	timeout    time.Duration
	tracker    time.Duration // -1 when not running
	origStatus int
}

func newReconnectManager(cm *connectionManager, kind ReconnectType) *ReconnectManager {
	return &ReconnectManager{cm: cm, kind: kind, tracker: -1}
}

// Type tells the short-term and long-term managers apart
func (r *ReconnectManager) Type() ReconnectType { return r.kind }

// IsRunning reports whether reconnect attempts are scheduled
func (r *ReconnectManager) IsRunning() bool { return r.tracker >= 0 }

// Attempts is the number of failed attempts since the manager started
func (r *ReconnectManager) Attempts() int { return r.attempts }

// TotalTime is how long the manager has been running
func (r *ReconnectManager) TotalTime() time.Duration { return r.total }

// AttemptStart asks the reconnect filter whether to start. It returns true
// when the manager is running afterwards.
func (r *ReconnectManager) AttemptStart(status int) bool {
	if r.IsRunning() {
		return true
	}
	r.attempts = 0
	r.total = 0
	r.delay = 0
	r.origStatus = status

	p := r.ask()
	if !p.ShouldPersist() {
		r.cm.dev.log.Debug("%s reconnect declined", r.kind)
		return false
	}
	r.delay = p.Delay()
	r.timeout = p.Timeout()
	r.tracker = 0
	r.cm.dev.log.Info("%s reconnect started (%s)", r.kind, p)
	return true
}

// Stop cancels any further attempts
func (r *ReconnectManager) Stop() {
	if r.IsRunning() {
		r.cm.dev.log.Debug("%s reconnect stopped after %d attempts", r.kind, r.attempts)
	}
	r.tracker = -1
	r.attempts = 0
	r.total = 0
}

func (r *ReconnectManager) ask() ConnectionLostPlease {
	d := r.cm.dev
	return d.reconnectFilter().OnConnectionLost(ConnectionLostEvent{
		Device:                d,
		Type:                  r.kind,
		GattStatus:            r.origStatus,
		FailureCount:          r.attempts,
		TotalTimeReconnecting: r.total,
		PreviousDelay:         r.delay,
	})
}

// onConnectionFailed counts a failed attempt and asks the filter whether to go on
func (r *ReconnectManager) onConnectionFailed() {
	if !r.IsRunning() {
		return
	}
	r.attempts++
	r.tracker = 0

	p := r.ask()
	if !p.ShouldPersist() || r.timedOut() {
		r.giveUp()
		return
	}
	r.delay = p.Delay()
	if t := p.Timeout(); t > 0 {
		r.timeout = t
	}
}

func (r *ReconnectManager) timedOut() bool {
	return r.timeout > 0 && r.total >= r.timeout
}

func (r *ReconnectManager) giveUp() {
	status := r.origStatus
	r.Stop()
	if r.kind == ShortTerm {
		r.cm.onShortTermExhausted(status)
	} else {
		r.cm.onLongTermExhausted(status)
	}
}

func (r *ReconnectManager) flag() state.DeviceState {
	if r.kind == ShortTerm {
		return state.ReconnectingShortTerm
	}
	return state.ReconnectingLongTerm
}

func (r *ReconnectManager) update(dt time.Duration) {
	if !r.IsRunning() {
		return
	}
	r.total += dt

	d := r.cm.dev
	if !d.Is(r.flag()) || d.Is(state.ConnectingOverall) {
		return
	}
	if r.timedOut() {
		r.giveUp()
		return
	}

	r.tracker += dt
	if r.tracker >= r.delay {
		r.tracker = 0
		r.cm.attemptReconnect()
	}
}

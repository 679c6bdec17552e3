package ble

import (
	"github.com/davidroman0O/blelink/state"
)

// ConnectionFailManager counts failed attempts in the current window, keeps
// a bounded history, and asks the reconnect filter whether to retry.
type ConnectionFailManager struct {
	cm        *connectionManager
	failCount int
	history   []ConnectFailEvent
}

func newConnectionFailManager(cm *connectionManager) *ConnectionFailManager {
	return &ConnectionFailManager{cm: cm}
}

// FailureCount is the number of failures in the current attempt window
func (f *ConnectionFailManager) FailureCount() int { return f.failCount }

// History returns a copy of the recorded failures, oldest first
func (f *ConnectionFailManager) History() []ConnectFailEvent {
	out := make([]ConnectFailEvent, len(f.history))
	copy(out, f.history)
	return out
}

// ClearHistory forgets every recorded failure
func (f *ConnectionFailManager) ClearHistory() { f.history = nil }

func (f *ConnectionFailManager) onExplicitDisconnect() {
	f.failCount = 0
	f.history = nil
}

func (f *ConnectionFailManager) onFullyInitialized() { f.failCount = 0 }

func (f *ConnectionFailManager) onLongTermTimedOut() { f.failCount = 0 }

func (f *ConnectionFailManager) record(r disconnectReason) ConnectFailEvent {
	d := f.cm.dev
	now := d.mgr.now

	if f.cm.longTerm.IsRunning() {
		f.failCount = 1
	} else {
		f.failCount++
	}

	attempt := d.tracker.TimeInState(state.ConnectingOverall, now)
	total := attempt
	if f.failCount > 1 && len(f.history) > 0 {
		start := len(f.history) - (f.failCount - 1)
		if start < 0 {
			start = 0
		}
		first := f.history[start]
		total = now.Sub(first.At) + first.AttemptTime
	}

	ev := ConnectFailEvent{
		Device:              d,
		Status:              r.status,
		Timing:              r.timing,
		GattStatus:          r.gattStatus,
		HighestStateReached: r.highest,
		AutoConnectUsage:    r.usage,
		FailureCount:        f.failCount,
		AttemptTime:         attempt,
		TotalAttemptTime:    total,
		At:                  now,
	}
	f.history = append(f.history, ev)
	if limit := d.cfg.MaxConnectionFailHistorySize; limit > 0 && len(f.history) > limit {
		f.history = f.history[len(f.history)-limit:]
	}
	d.log.Info("connect failed: %s", ev)
	return ev
}

// invokeCallback tells the connect listeners about ev and returns the
// filter's verdict, or DoNotRetry when skipRetry is set.
func (f *ConnectionFailManager) invokeCallback(ev ConnectFailEvent, skipRetry bool) Please {
	d := f.cm.dev
	verdict := DoNotRetry()
	if !skipRetry {
		verdict = d.reconnectFilter().OnConnectFailed(ev)
	}
	d.log.Debug("retry verdict for %s: %s", ev.Status, verdict)
	f.cm.fireConnect(ConnectEvent{Device: d, Fail: ev, IsRetrying: verdict.IsRetry()})
	if !verdict.IsRetry() {
		f.cm.ephemeral = nil
	}
	return verdict
}

// report records a failure and tells the listeners without retrying
func (f *ConnectionFailManager) report(r disconnectReason) {
	f.invokeCallback(f.record(r), true)
	f.failCount = 0
}

// onConnectionFailed records a failure, settles the device state and starts
// the retry the filter asked for.
func (f *ConnectionFailManager) onConnectionFailed(r disconnectReason) Please {
	c := f.cm
	d := c.dev

	ev := f.record(r)
	verdict := DoNotRetry()
	if !c.shortTerm.IsRunning() {
		skip := c.longTerm.IsRunning() || r.status.WasCancelled()
		verdict = f.invokeCallback(ev, skip)
	}

	rm := c.reconnecting()
	wasRunning := rm.IsRunning()
	rm.onConnectionFailed()
	if wasRunning && !rm.IsRunning() {
		// the reconnect manager gave up and settled the device itself
		return DoNotRetry()
	}

	if verdict.IsRetry() && !d.Is(state.BleConnected) {
		if v, ok := verdict.AutoConnect(); ok && !c.longTerm.IsRunning() {
			c.useAutoConnect = v
		}
		if d.IsAny(state.BleConnecting, state.ConnectingOverall) {
			c.setStateToDisconnected(c.longTerm.IsRunning(), true, state.Unintentional, r.gattStatus)
		}
		c.attemptReconnect()
		return verdict
	}

	if verdict.IsRetry() {
		// still linked; the retry starts once the disconnect completes
		v := verdict
		c.pendingRetry = &v
	} else {
		f.failCount = 0
	}
	retrying := verdict.IsRetry() && d.cfg.ConnectFailRetryConnectingOverall
	c.setStateToDisconnected(c.longTerm.IsRunning(), retrying, state.Unintentional, r.gattStatus)
	return verdict
}

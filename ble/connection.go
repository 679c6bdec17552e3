package ble

import (
	"fmt"
	"time"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

type pair = state.Pair[state.DeviceState]

// with copies extra and appends more, so callers can reuse extra
func with(extra []pair, more ...pair) []pair {
	out := make([]pair, 0, len(extra)+len(more))
	out = append(out, extra...)
	return append(out, more...)
}

// disconnectReason carries why a connection ended into the fail manager
type disconnectReason struct {
	status     Status
	timing     Timing
	gattStatus int
	highest    state.DeviceState
	usage      AutoConnectUsage
	priority   task.Priority
	remote     bool
}

// connectionManager drives one device through connect, discovery,
// authentication and initialization, and back down on disconnect.
type connectionManager struct {
	dev *Device

	shortTerm *ReconnectManager
	longTerm  *ReconnectManager
	fails     *ConnectionFailManager
	txns      *txnManager

	useAutoConnect       bool
	alwaysUseAutoConnect bool
	lastIntent           state.Intent
	ephemeral            ConnectListener
	pendingRetry         *Please
}

func newConnectionManager(d *Device) *connectionManager {
	c := &connectionManager{
		dev:                  d,
		txns:                 &txnManager{dev: d},
		useAutoConnect:       d.cfg.UseAutoConnect,
		alwaysUseAutoConnect: d.cfg.UseAutoConnect,
		lastIntent:           state.Unintentional,
	}
	c.shortTerm = newReconnectManager(c, ShortTerm)
	c.longTerm = newReconnectManager(c, LongTerm)
	c.fails = newConnectionFailManager(c)
	return c
}

func (c *connectionManager) tasks() *task.Manager { return c.dev.mgr.tasks }

func (c *connectionManager) update(intent state.Intent, status int, pairs ...pair) {
	c.dev.tracker.Update(intent, status, pairs...)
}

func (c *connectionManager) tick(dt time.Duration) {
	c.shortTerm.update(dt)
	c.longTerm.update(dt)
	c.txns.update(dt)
}

// reconnecting returns the reconnect manager the device is currently in
func (c *connectionManager) reconnecting() *ReconnectManager {
	if c.dev.Is(state.ReconnectingShortTerm) {
		return c.shortTerm
	}
	return c.longTerm
}

func (c *connectionManager) connect(auth, init Txn, l ConnectListener) ConnectFailEvent {
	d := c.dev
	if !d.mgr.IsOn() {
		return c.earlyOut(l, StatusBleTurningOff)
	}
	if d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall) {
		c.dropReconnectingLongTermState()
		return c.earlyOut(l, StatusAlreadyConnectingOrConnected)
	}
	c.ephemeral = l
	c.connectPrivate(auth, init, false)
	return NullConnectFailEvent(d)
}

// earlyOut reports a connect refused without native I/O. l hears it in place
// of the listener of the connect already running, if any.
func (c *connectionManager) earlyOut(l ConnectListener, s Status) ConnectFailEvent {
	d := c.dev
	ev := ConnectFailEvent{
		Device:              d,
		Status:              s,
		Timing:              TimingNotApplicable,
		GattStatus:          radio.StatusNotApplicable,
		HighestStateReached: state.TransitoryConnectionState(d.State()),
		AutoConnectUsage:    AutoConnectNotApplicable,
		At:                  d.mgr.now,
	}
	d.log.Debug("connect early-out: %s", s)

	running := c.ephemeral
	c.ephemeral = l
	c.fireConnect(ConnectEvent{Device: d, Fail: ev})
	c.ephemeral = running
	return ev
}

func (c *connectionManager) connectPrivate(auth, init Txn, isReconnect bool) {
	d := c.dev
	if !d.mgr.tasks.Assert(!d.Is(state.Initialized), fmt.Sprintf("%s connecting while initialized", d)) {
		return
	}
	c.txns.onConnect(auth, init)

	c.onConnecting(true, isReconnect, false)
	if !d.Is(state.ConnectingOverall) {
		return
	}

	t := newConnectTask(d, true, c.useAutoConnect)
	c.tasks().Add(t)
	if t.State().IsEndingState() {
		return
	}
	c.onConnecting(true, isReconnect, true)
}

func (c *connectionManager) onConnecting(explicit, isReconnect, bleConnect bool) {
	d := c.dev
	if bleConnect && d.Is(state.BleConnecting) {
		return
	}

	if explicit && !isReconnect {
		c.shortTerm.Stop()
		c.longTerm.Stop()
		c.lastIntent = state.Intentional
		c.update(state.Intentional, radio.StatusNotApplicable,
			state.Off(state.ReconnectingLongTerm),
			state.Off(state.ReconnectingShortTerm),
			state.On(state.Connecting),
			state.P(state.BleConnecting, bleConnect),
			state.On(state.ConnectingOverall),
			state.Off(state.BleDisconnected),
			state.Off(state.Advertising),
		)
		return
	}

	c.update(c.lastIntent, radio.StatusNotApplicable,
		state.P(state.BleConnecting, bleConnect),
		state.On(state.ConnectingOverall),
		state.Off(state.BleDisconnected),
		state.Off(state.Advertising),
	)
}

func (c *connectionManager) onConnectTaskEnded(t *connectTask, s task.State) {
	switch s {
	case task.TimedOut, task.FailedImmediately:
		c.onConnectFail(s, t.gattStatus, t.usage())
	case task.Redundant:
		c.dev.log.Debug("already natively connected")
		c.onConnected(t.explicit)
	}
}

func (c *connectionManager) onConnected(explicit bool) {
	d := c.dev
	if d.Is(state.BleConnected) {
		return
	}
	intent := state.Unintentional
	if explicit && !d.Is(state.ReconnectingLongTerm) {
		intent = state.Intentional
	}

	phy := physicalLayer(d.cfg.Phy)
	if phy == radio.PhyDefault {
		c.handleAfterBleConnect(intent)
		return
	}

	c.update(intent, radio.GattSuccess,
		state.On(state.RequestingPhy),
		state.Off(state.BleConnecting),
		state.On(state.BleConnected),
		state.Off(state.BleDisconnected),
	)
	t := newGattTask(d, OpSetPhy, nil, func(ev ReadWriteEvent) {
		c.update(intent, ev.GattStatus, state.Off(state.RequestingPhy))
		if !ev.WasSuccess() {
			d.mgr.uhOh(UhOhPhysicalLayerFailure, fmt.Sprintf("%s phy request ended %s", d, ev.Status))
		}
		if d.Is(state.BleConnected) {
			c.handleAfterBleConnect(intent)
		}
	})
	t.phy = phy
	t.SetPriority(task.Medium)
	c.tasks().Add(t)
}

func (c *connectionManager) handleAfterBleConnect(intent state.Intent) {
	d := c.dev
	if d.cfg.AlwaysBondOnConnect && !d.IsAny(state.Bonded, state.Bonding) {
		d.bondImplicitly()
	}

	extra := []pair{
		state.Off(state.BleDisconnected),
		state.On(state.ConnectingOverall),
		state.Off(state.BleConnecting),
		state.On(state.BleConnected),
		state.Off(state.Advertising),
	}
	if d.cfg.AutoGetServices {
		c.getServices(intent, extra...)
		return
	}
	c.runAuthOrInitTxnIfNeeded(intent, extra...)
}

func (c *connectionManager) getServices(intent state.Intent, extra ...pair) {
	d := c.dev
	if d.mgr.radio.ConnectionState(d.addr) != radio.Connected {
		d.log.Warn("skipping service discovery, link is %s", d.mgr.radio.ConnectionState(d.addr))
		return
	}
	c.update(intent, radio.GattSuccess, with(extra, state.On(state.DiscoveringServices))...)
	c.tasks().Add(newDiscoverServicesTask(d, d.cfg.UseGattRefresh))
}

func (c *connectionManager) onDiscoverServicesEnded(t *discoverServicesTask, s task.State) {
	d := c.dev
	timing := TimingEventually
	switch s {
	case task.Succeeded, task.Redundant:
		c.onServicesDiscovered()
		return
	case task.Failed:
		if c.tasks().IsInQueue(task.KindDisconnect, d) {
			return
		}
	case task.FailedImmediately:
		timing = TimingImmediately
	case task.TimedOut:
		timing = TimingTimedOut
	default:
		return
	}
	if !d.Is(state.BleConnected) {
		return
	}
	d.mgr.uhOh(UhOhServiceDiscoveryFailed, fmt.Sprintf("%s service discovery ended %s", d, s))
	c.disconnectWithReason(disconnectReason{
		status:     StatusDiscoveringServicesFailed,
		timing:     timing,
		gattStatus: t.gattStatus,
	})
}

func (c *connectionManager) onServicesDiscovered() {
	c.runAuthOrInitTxnIfNeeded(c.lastIntent,
		state.Off(state.DiscoveringServices),
		state.On(state.ServicesDiscovered),
	)
}

func (c *connectionManager) runAuthOrInitTxnIfNeeded(intent state.Intent, extra ...pair) {
	d := c.dev
	if d.Is(state.ReconnectingShortTerm) {
		c.onInitialized(intent, true, extra...)
		return
	}

	auth, init := c.txns.auth, c.txns.initTxn
	switch {
	case auth == nil && init == nil:
		c.onInitialized(intent, false, extra...)
	case auth != nil:
		c.update(intent, radio.GattSuccess, with(extra, state.On(state.Authenticating))...)
		c.txns.start(auth, TxnAuth, nil)
	default:
		c.update(intent, radio.GattSuccess, with(extra, state.On(state.Authenticated), state.On(state.Initializing))...)
		c.txns.start(init, TxnInit, nil)
	}
}

func (c *connectionManager) onAuthEnded(r TxnResult) {
	d := c.dev
	if r == TxnCancelled || !d.Is(state.BleConnected) {
		return
	}
	if r == TxnFailed {
		c.disconnectWithReason(disconnectReason{status: StatusAuthenticationFailed, timing: TimingEventually, gattStatus: radio.StatusNotApplicable})
		return
	}
	if init := c.txns.initTxn; init != nil {
		c.update(c.lastIntent, radio.GattSuccess,
			state.Off(state.Authenticating),
			state.On(state.Authenticated),
			state.On(state.Initializing),
		)
		c.txns.start(init, TxnInit, nil)
		return
	}
	c.onInitialized(c.lastIntent, false, state.Off(state.Authenticating), state.On(state.Authenticated))
}

func (c *connectionManager) onInitEnded(r TxnResult) {
	d := c.dev
	if r == TxnCancelled || !d.Is(state.BleConnected) {
		return
	}
	if r == TxnFailed {
		c.disconnectWithReason(disconnectReason{status: StatusInitializationFailed, timing: TimingEventually, gattStatus: radio.StatusNotApplicable})
		return
	}
	c.onInitialized(c.lastIntent, false, state.Off(state.Initializing))
}

// onInitialized finishes a connection. A silent finish belongs to a
// short-term reconnect, which the application never saw start.
func (c *connectionManager) onInitialized(intent state.Intent, silent bool, extra ...pair) {
	d := c.dev
	c.shortTerm.Stop()
	c.longTerm.Stop()
	c.fails.onFullyInitialized()
	c.pendingRetry = nil
	d.saveLastDisconnect(false)

	c.update(intent, radio.GattSuccess, with(extra,
		state.Off(state.ReconnectingLongTerm),
		state.Off(state.ReconnectingShortTerm),
		state.Off(state.ConnectingOverall),
		state.Off(state.RetryingBleConnection),
		state.Off(state.Authenticating),
		state.On(state.Authenticated),
		state.Off(state.Initializing),
		state.On(state.Initialized),
		state.On(state.Connected),
	)...)

	if silent {
		d.log.Info("reconnected")
		return
	}
	d.log.Info("connected and initialized")
	c.fireConnect(ConnectEvent{Device: d, Success: true, Fail: NullConnectFailEvent(d)})
	c.ephemeral = nil
}

// fireConnect hands ev to the ephemeral listener of the running connect, the
// device's listener and the manager's default, once each.
func (c *connectionManager) fireConnect(ev ConnectEvent) {
	d := c.dev
	if l := c.ephemeral; l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	if l := d.connectListener(); l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	if l := d.mgr.connectListener; l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	d.mgr.publish(ev)
}

// onConnectFail handles a native connect that did not produce a link
func (c *connectionManager) onConnectFail(s task.State, gattStatus int, usage AutoConnectUsage) {
	d := c.dev
	d.mgr.radio.Disconnect(d.addr)
	if s == task.SoftlyCancelled {
		return
	}

	highest := state.TransitoryConnectionState(d.State())
	c.txns.cancelAll()

	if d.Is(state.ConnectingOverall) {
		timing := TimingEventually
		switch s {
		case task.FailedImmediately:
			timing = TimingImmediately
		case task.TimedOut:
			timing = TimingTimedOut
		}
		c.fails.onConnectionFailed(disconnectReason{
			status:     StatusNativeConnectionFailed,
			timing:     timing,
			gattStatus: gattStatus,
			highest:    highest,
			usage:      usage,
		})
		return
	}
	if d.IsAny(state.BleConnected, state.BleConnecting) {
		c.setStateToDisconnected(c.longTerm.IsRunning(), false, state.Unintentional, gattStatus)
	}
}

func (c *connectionManager) onNativeConnectionState(status int, cs radio.ConnState) {
	d := c.dev
	tm := c.tasks()
	switch cs {
	case radio.Connecting:
		if status != radio.GattSuccess {
			c.onNativeConnectFail(status)
			return
		}
		tm.Fail(task.KindDisconnect, d)
		c.onConnecting(false, false, true)
		if !tm.IsCurrentOrInQueue(task.KindConnect, d) {
			tm.Add(newConnectTask(d, false, false))
		}

	case radio.Connected:
		if status != radio.GattSuccess {
			c.onNativeConnectFail(status)
			return
		}
		tm.Fail(task.KindDisconnect, d)
		explicit := false
		if cur, ok := tm.GetCurrent(task.KindConnect, d).(*connectTask); ok {
			explicit = cur.explicit
			if cur.autoConnect {
				c.alwaysUseAutoConnect = true
			}
			cur.Succeed()
		} else if !d.IsAny(state.ConnectingOverall, state.BleConnecting) {
			d.mgr.uhOh(UhOhConnectedWithoutCallback, fmt.Sprintf("%s connected without a connect request", d))
		}
		c.onConnected(explicit)

	case radio.Disconnecting:
		if !tm.IsCurrentOrInQueue(task.KindDisconnect, d) && d.mgr.IsOn() {
			tm.Add(newDisconnectTask(d, false, task.Medium, true, true))
		}

	case radio.Disconnected:
		c.onNativeDisconnected(status)
	}
}

func (c *connectionManager) onNativeConnectFail(status int) {
	d := c.dev
	usage := AutoConnectUnknown
	if cur, ok := c.tasks().GetCurrent(task.KindConnect, d).(*connectTask); ok {
		cur.gattStatus = status
		usage = cur.usage()
		cur.Fail()
	}
	c.onConnectFail(task.Failed, status, usage)
}

func (c *connectionManager) onNativeDisconnected(status int) {
	d := c.dev
	tm := c.tasks()

	if cur, ok := tm.GetCurrent(task.KindConnect, d).(*connectTask); ok {
		cur.gattStatus = status
		usage := cur.usage()
		cur.Fail()
		c.onConnectFail(task.Failed, status, usage)
		return
	}
	if cur, ok := tm.GetCurrent(task.KindDisconnect, d).(*disconnectTask); ok {
		cur.handled = true
		cur.Succeed()
		c.onDisconnected(cur.explicit, status, !cur.explicit, cur.saveLast)
		return
	}
	if !d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall, state.Initialized) {
		d.log.Debug("ignoring %s disconnect, already disconnected", radio.StatusName(status))
		return
	}
	doShortTerm := d.mgr.IsOn() && d.Is(state.Connected)
	c.onDisconnected(false, status, doShortTerm, true)
}

func (c *connectionManager) onDisconnectTaskEnded(t *disconnectTask, s task.State) {
	switch s {
	case task.Redundant, task.TimedOut:
		// the stack will not report this one; finish the disconnect ourselves
		c.onDisconnected(t.explicit, radio.StatusNotApplicable, !t.explicit, t.saveLast)
	}
}

func (c *connectionManager) onDisconnected(explicit bool, status int, attemptShortTerm, saveLast bool) {
	d := c.dev
	tm := c.tasks()

	if saveLast && d.Is(state.Initialized) {
		d.saveLastDisconnect(explicit)
	}
	if explicit {
		c.lastIntent = state.Intentional
	} else {
		c.lastIntent = state.Unintentional
	}

	ordinal := tm.CurrentOrdinal()
	wasConnected := d.Is(state.Connected)
	wasConnectingOverall := d.Is(state.ConnectingOverall)
	highest := state.TransitoryConnectionState(d.State())

	if attemptShortTerm && !explicit && wasConnected {
		if c.shortTerm.IsRunning() {
			// the link dropped again while reconnecting
			c.txns.cancelAll()
			c.onReconnectingShortTerm(status)
			tm.End(task.KindDiscoverServices|task.KindSetPhy, d, task.Cancelled)
			tm.ClearQueueOf(task.KindDiscoverServices|task.KindSetPhy, d, -1)
			c.shortTerm.onConnectionFailed()
			return
		}
		if c.shortTerm.AttemptStart(status) {
			c.txns.cancelAll()
			c.onReconnectingShortTerm(status)
			tm.InterruptOwner(d)
			return
		}
	} else if d.Is(state.ReconnectingShortTerm) && !c.shortTerm.IsRunning() {
		tm.Fail(task.KindConnect, d)
	}

	explicitWhenConnecting := explicit && d.Is(state.BleConnecting)
	if !explicitWhenConnecting {
		tm.SoftlyCancelTasksOf(d, ordinal)
		tm.ClearQueueOf(task.KindRequiresConnection, d, ordinal)
	}
	c.txns.cancelAll()
	if explicitWhenConnecting {
		c.setStateToDisconnected(false, false, state.Intentional, status)
		return
	}

	retrying := c.pendingRetry != nil && c.pendingRetry.IsRetry() && !explicit
	intent := state.Unintentional
	if explicit {
		intent = state.Intentional
	}
	c.setStateToDisconnected(c.longTerm.IsRunning(), retrying, intent, status)

	var reason *disconnectReason
	if !explicit && wasConnectingOverall && !c.shortTerm.IsRunning() {
		st := StatusRogueDisconnect
		if !d.mgr.IsOn() {
			st = StatusBleTurningOff
		}
		reason = &disconnectReason{
			status:     st,
			timing:     TimingEventually,
			gattStatus: status,
			highest:    highest,
			usage:      AutoConnectNotApplicable,
		}
	}

	startedLongTerm := false
	if !explicit && wasConnected && !c.shortTerm.IsRunning() && !c.longTerm.IsRunning() && !d.Is(state.ConnectingOverall) {
		if c.longTerm.AttemptStart(status) {
			c.onReconnectingLongTerm(status)
			startedLongTerm = true
		}
	}

	verdict := DoNotRetry()
	if !d.Is(state.ConnectingOverall) && !c.shortTerm.IsRunning() {
		switch {
		case c.pendingRetry != nil:
			verdict = *c.pendingRetry
			c.pendingRetry = nil
		case reason != nil && (wasConnected || startedLongTerm):
			// the loss is reported; reconnecting, if any, is the long-term manager's job
			c.fails.report(*reason)
		case reason != nil:
			c.fails.onConnectionFailed(*reason)
		}
	}

	if d.Is(state.BleDisconnected) && !c.shortTerm.IsRunning() && !c.longTerm.IsRunning() &&
		!tm.IsCurrentOrInQueue(task.KindDisconnect, d) {
		if cs := d.mgr.radio.ConnectionState(d.addr); cs == radio.Connecting || cs == radio.Connected {
			tm.Add(newDisconnectTask(d, false, task.Medium, true, false))
		}
	}

	if !d.Is(state.ConnectingOverall) && !verdict.IsRetry() {
		tm.ClearQueueOf(task.KindConnect, d, -1)
	}
	if verdict.IsRetry() && !explicit && d.cfg.ConnectFailRetryConnectingOverall && !d.Is(state.ConnectingOverall) {
		c.attemptReconnect()
	}
}

// setStateToDisconnected rebuilds the state set for a device without a link.
// The simple connection state survives while a reconnect or retry is underway.
func (c *connectionManager) setStateToDisconnected(longTerm, retrying bool, intent state.Intent, status int) {
	d := c.dev
	c.txns.clearQueueLock()

	keep := c.shortTerm.IsRunning() || retrying
	pairs := []pair{
		state.P(state.Discovered, !d.Is(state.Undiscovered)),
		state.P(state.Undiscovered, d.Is(state.Undiscovered)),
		state.On(state.BleDisconnected),
	}
	if keep {
		pairs = append(pairs,
			state.P(state.Disconnected, d.Is(state.Disconnected)),
			state.P(state.Connecting, d.Is(state.Connecting)),
			state.P(state.Connected, d.Is(state.Connected)),
		)
	} else {
		pairs = append(pairs, state.On(state.Disconnected))
	}
	pairs = append(pairs,
		state.P(state.Unbonded, d.Is(state.Unbonded)),
		state.P(state.Bonding, d.Is(state.Bonding)),
		state.P(state.Bonded, d.Is(state.Bonded)),
		state.P(state.RetryingBleConnection, retrying),
		state.P(state.ServicesDiscovered, keep && d.Is(state.ServicesDiscovered)),
		state.P(state.ReconnectingShortTerm, c.shortTerm.IsRunning()),
		state.P(state.ReconnectingLongTerm, longTerm),
		state.P(state.Advertising, !longTerm && d.origin == OriginScanned && !d.Is(state.Undiscovered)),
	)
	d.tracker.Set(intent, status, pairs...)
}

func (c *connectionManager) onReconnectingShortTerm(status int) {
	c.update(state.Unintentional, status,
		state.On(state.ReconnectingShortTerm),
		state.Off(state.ConnectingOverall),
		state.Off(state.BleConnected),
		state.Off(state.BleConnecting),
		state.On(state.BleDisconnected),
		state.Off(state.RequestingPhy),
		state.Off(state.DiscoveringServices),
		state.Off(state.ServicesDiscovered),
		state.Off(state.Authenticating),
		state.Off(state.Authenticated),
		state.Off(state.Initializing),
		state.Off(state.Initialized),
	)
}

func (c *connectionManager) onReconnectingLongTerm(status int) {
	c.update(state.Unintentional, status,
		state.On(state.ReconnectingLongTerm),
		state.Off(state.ReconnectingShortTerm),
		state.On(state.Disconnected),
		state.Off(state.ServicesDiscovered),
		state.Off(state.Advertising),
	)
}

func (c *connectionManager) dropReconnectingLongTermState() {
	d := c.dev
	if !c.longTerm.IsRunning() && !d.Is(state.ReconnectingLongTerm) {
		return
	}
	c.longTerm.Stop()
	c.update(state.Intentional, radio.StatusNotApplicable,
		state.Off(state.ReconnectingLongTerm),
		state.P(state.Advertising, d.origin == OriginScanned && d.Is(state.BleDisconnected)),
	)
}

func (c *connectionManager) onShortTermExhausted(status int) {
	c.dev.log.Info("short-term reconnect gave up")
	c.onDisconnected(false, status, false, true)
}

func (c *connectionManager) onLongTermExhausted(status int) {
	d := c.dev
	d.log.Info("long-term reconnect gave up")
	c.fails.onLongTermTimedOut()
	c.tasks().ClearQueueOf(task.KindConnect, d, -1)
	c.update(state.Unintentional, status,
		state.Off(state.ReconnectingLongTerm),
		state.P(state.Advertising, d.origin == OriginScanned),
	)
	if cs := d.mgr.radio.ConnectionState(d.addr); cs == radio.Connecting {
		d.mgr.radio.Disconnect(d.addr)
	}
}

func (c *connectionManager) attemptReconnect() {
	d := c.dev
	if d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall) {
		d.log.Debug("skipping reconnect, already %s", state.TransitoryConnectionState(d.State()))
		return
	}
	d.log.Debug("reconnecting")
	c.connectPrivate(c.txns.auth, c.txns.initTxn, true)
}

// disconnectWithReason tears a connection down. It returns false when a
// disconnect was already queued or there was nothing to tear down.
func (c *connectionManager) disconnectWithReason(r disconnectReason) bool {
	d := c.dev
	tm := c.tasks()
	if tm.IsInQueue(task.KindDisconnect, d) {
		return false
	}

	explicit := r.status == StatusExplicitDisconnect || r.remote
	wasReconnecting := c.shortTerm.IsRunning() || c.longTerm.IsRunning()
	wasShortTerm := c.shortTerm.IsRunning()
	wasConnecting := d.Is(state.ConnectingOverall)
	if r.highest == state.Null {
		r.highest = state.TransitoryConnectionState(d.State())
	}

	if explicit {
		c.shortTerm.Stop()
	}
	cancelled := r.status.WasCancelled()
	intent := state.Unintentional
	if cancelled {
		c.useAutoConnect = c.alwaysUseAutoConnect
		c.fails.onExplicitDisconnect()
		c.longTerm.Stop()
		c.pendingRetry = nil
		c.lastIntent = state.Intentional
		intent = state.Intentional
	}
	d.saveLastDisconnect(explicit)

	queued := false
	if d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall, state.Initialized) {
		p := r.priority
		if p <= task.Trivial {
			p = task.Medium
		}
		dt := newDisconnectTask(d, explicit, p, d.cfg.DisconnectIsCancellable, r.status != StatusRogueDisconnect)
		tm.Add(dt)
		if cur, ok := tm.GetCurrent(task.KindConnect, d).(*connectTask); ok {
			cur.AttemptToSoftlyCancel(dt)
		}
		tm.ClearQueueOf(task.KindConnect, d, dt.Ordinal())
		tm.ClearQueueOf(task.KindRequiresConnection, d, dt.Ordinal())
		queued = true
	}

	c.txns.cancelAll()
	if !queued {
		c.setStateToDisconnected(false, false, intent, r.gattStatus)
	}

	if wasConnecting || wasShortTerm {
		c.fails.onConnectionFailed(r)
	}
	return queued || wasReconnecting
}

// onBleTurningOff settles the device when the adapter goes down under it
func (c *connectionManager) onBleTurningOff() {
	d := c.dev
	wasConnecting := d.Is(state.ConnectingOverall)
	active := d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall,
		state.Initialized, state.ReconnectingShortTerm, state.ReconnectingLongTerm)

	c.shortTerm.Stop()
	c.longTerm.Stop()
	c.pendingRetry = nil
	c.txns.cancelAll()
	if !active {
		return
	}

	highest := state.TransitoryConnectionState(d.State())
	c.setStateToDisconnected(false, false, state.Intentional, radio.StatusNotApplicable)
	if wasConnecting {
		c.fails.report(disconnectReason{
			status:     StatusBleTurningOff,
			timing:     TimingEventually,
			gattStatus: radio.StatusNotApplicable,
			highest:    highest,
			usage:      AutoConnectNotApplicable,
		})
	}
	c.fails.failCount = 0
	c.ephemeral = nil
}

func physicalLayer(p config.Phy) radio.Phy {
	switch p {
	case config.PhyHighSpeed:
		return radio.PhyHighSpeed
	case config.PhyLongRange2x:
		return radio.PhyLongRange2x
	case config.PhyLongRange4x:
		return radio.PhyLongRange4x
	default:
		return radio.PhyDefault
	}
}

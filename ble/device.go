package ble

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/logger"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

// Origin records how a device became known
type Origin int

const (
	// OriginExplicit devices were created by the application by address
	OriginExplicit Origin = iota
	// OriginScanned devices were found advertising
	OriginScanned
)

func (o Origin) String() string {
	if o == OriginScanned {
		return "SCANNED"
	}
	return "EXPLICIT"
}

// Device is one remote peripheral. Every method must be called from the
// manager's update loop; other goroutines go through Manager.Post.
type Device struct {
	mgr    *Manager
	addr   string
	name   string
	rssi   int
	mtu    int
	origin Origin
	cfg    config.Resolved
	log    logger.Logger

	tracker *state.DeviceTracker
	cm      *connectionManager
	polls   *pollManager

	stateListeners       []StateListener
	connectListeners     []ConnectListener
	filters              []ReconnectFilter
	bondListener         BondListener
	notificationListener NotificationListener

	notifying    map[uuid.UUID]bool
	connPriority radio.ConnectionPriority

	discoveredAt time.Time
	lastSeen     time.Time
}

func newDevice(m *Manager, addr, name string, rssi int, origin Origin) *Device {
	d := &Device{
		mgr:          m,
		addr:         addr,
		name:         name,
		rssi:         rssi,
		mtu:          defaultMtu,
		origin:       origin,
		cfg:          m.cfg.ForDevice(addr),
		log:          logger.WithFields(m.log, map[string]interface{}{"address": addr}),
		discoveredAt: m.now,
		lastSeen:     m.now,
	}
	d.tracker = state.NewDeviceTracker(d.onStateChange, state.WithLogger(d.log), state.WithClock(m.Now))
	d.cm = newConnectionManager(d)
	d.polls = newPollManager(d)
	if intent := m.store.LoadLastDisconnect(addr); intent != state.NullIntent {
		d.cm.lastIntent = intent
	}

	d.tracker.SetNoCallback(
		state.On(state.Discovered),
		state.P(state.Advertising, origin == OriginScanned),
		state.On(state.BleDisconnected),
		state.On(state.Disconnected),
		bondPair(m.radio.BondState(addr)),
	)
	return d
}

const defaultMtu = 23

func bondPair(b radio.BondState) pair {
	switch b {
	case radio.BondBonded:
		return state.On(state.Bonded)
	case radio.BondBonding:
		return state.On(state.Bonding)
	default:
		return state.On(state.Unbonded)
	}
}

// OwnerName implements task.Owner
func (d *Device) OwnerName() string { return d.addr }

// Address returns the MAC address
func (d *Device) Address() string { return d.addr }

// Name returns the advertised name
func (d *Device) Name() string { return d.name }

// Rssi returns the last known signal strength
func (d *Device) Rssi() int { return d.rssi }

// Mtu returns the negotiated MTU
func (d *Device) Mtu() int { return d.mtu }

// Origin tells how the device became known
func (d *Device) Origin() Origin { return d.origin }

// Manager returns the owning manager
func (d *Device) Manager() *Manager { return d.mgr }

func (d *Device) String() string {
	if d.name != "" {
		return fmt.Sprintf("%s(%s)", d.name, d.addr)
	}
	return d.addr
}

// Is reports whether s is set
func (d *Device) Is(s state.DeviceState) bool { return d.tracker.Is(s) }

// IsAny reports whether any of states is set
func (d *Device) IsAny(states ...state.DeviceState) bool { return d.tracker.IsAny(states...) }

// IsAll reports whether every one of states is set
func (d *Device) IsAll(states ...state.DeviceState) bool { return d.tracker.IsAll(states...) }

// State returns the full state set
func (d *Device) State() state.Mask { return d.tracker.Mask() }

// StateString renders the state set
func (d *Device) StateString() string { return state.FormatDevice(d.tracker.Mask()) }

// TimeInState returns how long s has been set, or how long it was last set for
func (d *Device) TimeInState(s state.DeviceState) time.Duration {
	return d.tracker.TimeInState(s, d.mgr.now)
}

// IsReconnecting reports whether the given reconnect manager is running
func (d *Device) IsReconnecting(t ReconnectType) bool {
	if t == ShortTerm {
		return d.cm.shortTerm.IsRunning()
	}
	return d.cm.longTerm.IsRunning()
}

// ConnectionFailHistory returns the recorded connect failures, oldest first
func (d *Device) ConnectionFailHistory() []ConnectFailEvent { return d.cm.fails.History() }

// ClearConnectionFailHistory forgets the recorded connect failures
func (d *Device) ClearConnectionFailHistory() { d.cm.fails.ClearHistory() }

// LastDisconnectIntent returns the persisted intent of the last disconnect
func (d *Device) LastDisconnectIntent() state.Intent {
	return d.mgr.store.LoadLastDisconnect(d.addr)
}

// Connect starts a connection. auth and init are optional transactions run
// after service discovery. The returned event is null when the request was
// accepted; otherwise it carries the early-out reason, which l also receives.
func (d *Device) Connect(auth, init Txn, l ConnectListener) ConnectFailEvent {
	return d.cm.connect(auth, init, l)
}

// Disconnect tears the connection down and stops any reconnect
func (d *Device) Disconnect() bool {
	return d.cm.disconnectWithReason(disconnectReason{
		status:     StatusExplicitDisconnect,
		timing:     TimingNotApplicable,
		gattStatus: radio.StatusNotApplicable,
		priority:   task.Medium,
	})
}

// DisconnectRemote is a forced disconnect that preempts any operation the
// device has in flight.
func (d *Device) DisconnectRemote() bool {
	return d.cm.disconnectWithReason(disconnectReason{
		status:     StatusExplicitDisconnect,
		timing:     TimingNotApplicable,
		gattStatus: radio.StatusNotApplicable,
		priority:   task.Critical,
		remote:     true,
	})
}

// Undiscover disconnects and forgets the device
func (d *Device) Undiscover() bool { return d.mgr.undiscover(d) }

// Bond pairs with the device
func (d *Device) Bond(l BondListener) BondEvent {
	if d.Is(state.Bonded) {
		ev := BondEvent{Device: d, Status: BondAlreadyBonded, Reason: radio.StatusNotApplicable}
		d.deliverBond(l, ev)
		return ev
	}
	if !d.mgr.IsOn() {
		ev := BondEvent{Device: d, Status: BondFailedImmediately, Reason: radio.StatusNotApplicable}
		d.deliverBond(l, ev)
		return ev
	}
	if cur, ok := d.mgr.tasks.Get(task.KindBond, d).(*bondTask); ok {
		if l != nil && cur.listener == nil {
			cur.listener = l
		}
	} else {
		d.mgr.tasks.Add(newBondTask(d, true, l))
	}
	return BondEvent{Device: d, Status: BondNull, Reason: radio.StatusNotApplicable}
}

func (d *Device) bondImplicitly() {
	if d.mgr.tasks.IsCurrentOrInQueue(task.KindBond, d) {
		return
	}
	d.mgr.tasks.Add(newBondTask(d, false, nil))
}

// Unbond removes the pairing
func (d *Device) Unbond() bool {
	if d.Is(state.Unbonded) || !d.mgr.IsOn() {
		return false
	}
	d.mgr.tasks.ClearQueueOf(task.KindBond, d, -1)
	d.mgr.tasks.Add(newUnbondTask(d))
	return true
}

func (d *Device) updateBondState(b radio.BondState, explicit bool, status int) {
	intent := state.Unintentional
	if explicit {
		intent = state.Intentional
	}
	d.tracker.Update(intent, status, bondPair(b))
}

func (d *Device) onNativeBondStateChanged(prev, next radio.BondState, reason int) {
	tm := d.mgr.tasks
	cur, _ := tm.GetCurrent(task.KindBond, d).(*bondTask)
	explicit := cur != nil && cur.explicit
	d.updateBondState(next, explicit || tm.IsCurrent(task.KindUnbond, d), reason)

	switch {
	case cur != nil && next == radio.BondBonded:
		cur.Succeed()
	case cur != nil && next == radio.BondNone && prev == radio.BondBonding:
		cur.reason = reason
		cur.Fail()
	case next == radio.BondNone:
		tm.Succeed(task.KindUnbond, d)
	}
}

func (d *Device) onBondTaskEnded(t *bondTask, s task.State) {
	ev := BondEvent{Device: d, Reason: t.reason}
	switch s {
	case task.Succeeded:
		ev.Status = BondSuccess
	case task.Redundant:
		ev.Status = BondAlreadyBonded
	case task.Failed:
		ev.Status = BondFailedEventually
	case task.FailedImmediately:
		ev.Status = BondFailedImmediately
	case task.TimedOut:
		ev.Status = BondTimedOut
	case task.Interrupted:
		return
	default:
		ev.Status = BondCancelled
	}
	d.updateBondState(d.mgr.radio.BondState(d.addr), t.explicit, t.reason)
	d.deliverBond(t.listener, ev)
}

func (d *Device) deliverBond(l BondListener, ev BondEvent) {
	if l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	if l := d.bondListener; l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	d.mgr.publish(ev)
}

// SetBondListener sets the listener for every bond outcome of this device
func (d *Device) SetBondListener(l BondListener) { d.bondListener = l }

// Read reads a characteristic
func (d *Device) Read(char uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	return d.ReadTxn(nil, char, l)
}

// ReadTxn reads a characteristic as part of txn
func (d *Device) ReadTxn(txn Txn, char uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpRead, txn, l)
	t.char = char
	t.result.Char = char
	return d.queueGatt(t)
}

// Write writes a characteristic
func (d *Device) Write(char uuid.UUID, data []byte, l ReadWriteListener) ReadWriteEvent {
	return d.WriteTxn(nil, char, data, l)
}

// WriteTxn writes a characteristic as part of txn
func (d *Device) WriteTxn(txn Txn, char uuid.UUID, data []byte, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpWrite, txn, l)
	t.char = char
	t.data = append([]byte(nil), data...)
	t.result.Char = char
	t.result.Data = t.data
	return d.queueGatt(t)
}

// ReadRssi reads the signal strength of the link
func (d *Device) ReadRssi(l ReadWriteListener) ReadWriteEvent {
	return d.queueGatt(newGattTask(d, OpReadRssi, nil, l))
}

// RequestMtu negotiates a larger MTU
func (d *Device) RequestMtu(mtu int, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpRequestMtu, nil, l)
	t.mtu = mtu
	return d.queueGatt(t)
}

// SetPhy requests a physical layer for the link
func (d *Device) SetPhy(p radio.Phy, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpSetPhy, nil, l)
	t.phy = p
	return d.queueGatt(t)
}

// ReadDescriptor reads a descriptor of char
func (d *Device) ReadDescriptor(char, desc uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	return d.ReadDescriptorTxn(nil, char, desc, l)
}

// ReadDescriptorTxn reads a descriptor of char as part of txn
func (d *Device) ReadDescriptorTxn(txn Txn, char, desc uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpReadDescriptor, txn, l)
	t.char, t.desc = char, desc
	t.result.Char, t.result.Descriptor = char, desc
	return d.queueGatt(t)
}

// WriteDescriptor writes a descriptor of char
func (d *Device) WriteDescriptor(char, desc uuid.UUID, data []byte, l ReadWriteListener) ReadWriteEvent {
	return d.WriteDescriptorTxn(nil, char, desc, data, l)
}

// WriteDescriptorTxn writes a descriptor of char as part of txn
func (d *Device) WriteDescriptorTxn(txn Txn, char, desc uuid.UUID, data []byte, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpWriteDescriptor, txn, l)
	t.char, t.desc = char, desc
	t.data = append([]byte(nil), data...)
	t.result.Char, t.result.Descriptor = char, desc
	t.result.Data = t.data
	return d.queueGatt(t)
}

// EnableNotify turns on notifications for char. Notified values go to the
// notification listener.
func (d *Device) EnableNotify(char uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	return d.toggleNotify(nil, char, true, l)
}

// DisableNotify turns off notifications for char
func (d *Device) DisableNotify(char uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	return d.toggleNotify(nil, char, false, l)
}

// EnableNotifyTxn turns on notifications for char as part of txn
func (d *Device) EnableNotifyTxn(txn Txn, char uuid.UUID, l ReadWriteListener) ReadWriteEvent {
	return d.toggleNotify(txn, char, true, l)
}

func (d *Device) toggleNotify(txn Txn, char uuid.UUID, enable bool, l ReadWriteListener) ReadWriteEvent {
	op := OpDisableNotify
	if enable {
		op = OpEnableNotify
	}
	t := newGattTask(d, op, txn, l)
	t.char, t.desc = char, radio.CCCD
	t.result.Char, t.result.Descriptor = char, radio.CCCD
	return d.queueGatt(t)
}

// IsNotifying reports whether notifications for char were enabled on the
// current link
func (d *Device) IsNotifying(char uuid.UUID) bool { return d.notifying[char] }

// RequestConnectionPriority asks the stack to favor latency or power on the link
func (d *Device) RequestConnectionPriority(p radio.ConnectionPriority, l ReadWriteListener) ReadWriteEvent {
	t := newGattTask(d, OpConnectionPriority, nil, l)
	t.priority = p
	t.result.Priority = p
	return d.queueGatt(t)
}

// ConnectionPriority returns the last connection priority the stack accepted
func (d *Device) ConnectionPriority() radio.ConnectionPriority { return d.connPriority }

// StartPoll reads char every interval while the device is initialized.
// Calling it again for the same char changes the interval and listener.
func (d *Device) StartPoll(char uuid.UUID, interval time.Duration, l ReadWriteListener) {
	d.polls.start(OpPoll, char, interval, l)
}

// StopPoll stops polling char and reports whether it was polled
func (d *Device) StopPoll(char uuid.UUID) bool { return d.polls.stop(OpPoll, char) }

// StartRssiPoll reads the link's signal strength every interval
func (d *Device) StartRssiPoll(interval time.Duration, l ReadWriteListener) {
	d.polls.start(OpReadRssi, uuid.Nil, interval, l)
}

// StopRssiPoll stops polling the signal strength
func (d *Device) StopRssiPoll() bool { return d.polls.stop(OpReadRssi, uuid.Nil) }

// IsPolling reports whether char is being polled
func (d *Device) IsPolling(char uuid.UUID) bool { return d.polls.isPolling(OpPoll, char) }

// SetNotificationListener sets the listener for values the device notifies
func (d *Device) SetNotificationListener(l NotificationListener) { d.notificationListener = l }

func (d *Device) onNotification(char uuid.UUID, value []byte) {
	ev := NotificationEvent{Device: d, Char: char, Data: value, At: d.mgr.now}
	if l := d.notificationListener; l != nil {
		d.mgr.safely(func() { l(ev) })
	} else if l := d.mgr.notificationListener; l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	d.mgr.publish(ev)
}

func (d *Device) queueGatt(t *gattTask) ReadWriteEvent {
	ev := t.result
	switch {
	case !d.mgr.IsOn():
		ev.Status = RWBleOff
	case t.txn != nil && (!t.txn.base().running || t.txn.base().dev != d):
		ev.Status = RWCancelled
	case t.txn == nil && !d.Is(state.Connected):
		ev.Status = RWNotConnected
	default:
		d.mgr.tasks.Add(t)
		return ev
	}
	d.deliverGatt(t.listener, ev)
	return ev
}

func (d *Device) onGattTaskEnded(t *gattTask) {
	ev := t.result
	if ev.WasSuccess() {
		switch t.op {
		case OpReadRssi:
			d.rssi = ev.Rssi
		case OpRequestMtu:
			d.mtu = ev.Mtu
		case OpSetPhy:
			d.tracker.Update(state.Intentional, ev.GattStatus, phyPairs(ev.Phy)...)
		case OpEnableNotify:
			if d.notifying == nil {
				d.notifying = map[uuid.UUID]bool{}
			}
			d.notifying[t.char] = true
		case OpDisableNotify:
			delete(d.notifying, t.char)
		case OpConnectionPriority:
			d.connPriority = ev.Priority
		}
	}
	d.deliverGatt(t.listener, ev)
}

func phyPairs(p radio.Phy) []pair {
	return []pair{
		state.P(state.HighSpeed, p == radio.PhyHighSpeed),
		state.P(state.LongRange2x, p == radio.PhyLongRange2x),
		state.P(state.LongRange4x, p == radio.PhyLongRange4x),
	}
}

func (d *Device) deliverGatt(l ReadWriteListener, ev ReadWriteEvent) {
	if l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	d.mgr.publish(ev)
}

// PerformTransaction runs a user transaction on an initialized device. It
// returns false when the device is not ready or another transaction runs.
func (d *Device) PerformTransaction(t Txn, onEnd func(Txn, TxnResult)) bool {
	if t == nil || !d.Is(state.Initialized) || d.cm.txns.isRunning() {
		return false
	}
	d.cm.txns.start(t, TxnUser, onEnd)
	return true
}

// PushReconnectFilter makes f the device's reconnect filter until popped
func (d *Device) PushReconnectFilter(f ReconnectFilter) { d.filters = append(d.filters, f) }

// PopReconnectFilter removes and returns the top reconnect filter
func (d *Device) PopReconnectFilter() ReconnectFilter {
	if len(d.filters) == 0 {
		return nil
	}
	f := d.filters[len(d.filters)-1]
	d.filters = d.filters[:len(d.filters)-1]
	return f
}

// SetReconnectFilter replaces the filter stack with f
func (d *Device) SetReconnectFilter(f ReconnectFilter) {
	d.filters = d.filters[:0]
	if f != nil {
		d.filters = append(d.filters, f)
	}
}

// reconnectFilter picks the device's top filter, then the manager's default
func (d *Device) reconnectFilter() ReconnectFilter {
	if n := len(d.filters); n > 0 {
		return d.filters[n-1]
	}
	if d.mgr.defaultFilter != nil {
		return d.mgr.defaultFilter
	}
	return NewDefaultReconnectFilter(d.mgr.cfg)
}

// PushConnectListener makes l the device's connect listener until popped
func (d *Device) PushConnectListener(l ConnectListener) {
	d.connectListeners = append(d.connectListeners, l)
}

// PopConnectListener removes the top connect listener
func (d *Device) PopConnectListener() {
	if n := len(d.connectListeners); n > 0 {
		d.connectListeners = d.connectListeners[:n-1]
	}
}

// SetConnectListener replaces the connect listener stack with l
func (d *Device) SetConnectListener(l ConnectListener) {
	d.connectListeners = d.connectListeners[:0]
	if l != nil {
		d.connectListeners = append(d.connectListeners, l)
	}
}

func (d *Device) connectListener() ConnectListener {
	if n := len(d.connectListeners); n > 0 {
		return d.connectListeners[n-1]
	}
	return nil
}

// PushStateListener makes l the device's state listener until popped
func (d *Device) PushStateListener(l StateListener) {
	d.stateListeners = append(d.stateListeners, l)
}

// PopStateListener removes the top state listener
func (d *Device) PopStateListener() {
	if n := len(d.stateListeners); n > 0 {
		d.stateListeners = d.stateListeners[:n-1]
	}
}

// SetStateListener replaces the state listener stack with l
func (d *Device) SetStateListener(l StateListener) {
	d.stateListeners = d.stateListeners[:0]
	if l != nil {
		d.stateListeners = append(d.stateListeners, l)
	}
}

func (d *Device) onStateChange(c state.Change) {
	ev := StateEvent{Device: d, Old: c.Old, New: c.New, IntentMask: c.IntentMask, GattStatus: c.Status}
	d.log.Debug("state %s -> %s", state.FormatDevice(c.Old), state.FormatDevice(c.New))
	if ev.DidExit(state.BleConnected) {
		// notifications and priority do not outlive the link
		d.notifying = nil
		d.connPriority = radio.PriorityBalanced
	}

	if n := len(d.stateListeners); n > 0 {
		l := d.stateListeners[n-1]
		d.mgr.safely(func() { l(ev) })
	} else if l := d.mgr.stateListener; l != nil {
		d.mgr.safely(func() { l(ev) })
	}
	d.mgr.publish(ev)
}

func (d *Device) saveLastDisconnect(explicit bool) {
	if !d.cfg.ManageLastDisconnectOnDisk {
		return
	}
	intent := state.Unintentional
	if explicit {
		intent = state.Intentional
	}
	if err := d.mgr.store.SaveLastDisconnect(d.addr, intent); err != nil {
		logger.WithError(d.log, err).Error("failed to save last disconnect: %v", err)
	}
}

func (d *Device) onRediscovered(name string, rssi int) {
	if name != "" {
		d.name = name
	}
	d.rssi = rssi
	d.lastSeen = d.mgr.now
	if d.Is(state.Undiscovered) {
		d.tracker.Update(state.Unintentional, radio.StatusNotApplicable,
			state.Off(state.Undiscovered),
			state.On(state.Discovered),
			state.P(state.Advertising, d.Is(state.BleDisconnected) && !d.cm.longTerm.IsRunning()),
		)
	}
}

func (d *Device) update(dt time.Duration) {
	d.cm.tick(dt)
	d.polls.update(dt)
}

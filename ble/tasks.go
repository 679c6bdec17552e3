package ble

import (
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

// deviceTask is the part shared by every task that acts on one device
type deviceTask struct {
	task.Base
	dev        *Device
	gattStatus int
}

func newDeviceTask(kind task.Kind, d *Device, p task.Priority) deviceTask {
	t := deviceTask{
		Base:       task.NewBase(kind, d, p),
		dev:        d,
		gattStatus: radio.StatusNotApplicable,
	}
	t.SetTimeout(d.mgr.cfg.TaskTimeout(kind.ConfigKey()))
	return t
}

func (t *deviceTask) radio() radio.Radio { return t.dev.mgr.radio }

func isDeviceTask(o task.Task, kind task.Kind, d *Device) bool {
	return o != nil && o.Kind().Is(kind) && o.Owner() == task.Owner(d)
}

func isRadioTask(o task.Task) bool {
	return o != nil && o.Kind().Is(task.KindTurnBleOff|task.KindCrashResolver)
}

// connTask is embedded by every task that needs a live link
type connTask struct {
	deviceTask
	notConnected bool
}

func (t *connTask) IsArmable() bool {
	return t.dev.Is(state.BleConnected) || !t.dev.Is(state.ReconnectingShortTerm)
}

func (t *connTask) IsExecutable() bool {
	return t.dev.Is(state.BleConnected)
}

func (t *connTask) OnNotExecutable() {
	t.notConnected = true
	t.Fail()
}

func (t *connTask) IsCancellableBy(o task.Task) bool {
	if isRadioTask(o) {
		return true
	}
	return isDeviceTask(o, task.KindDisconnect, t.dev) && o.Priority() == task.Critical
}

func (t *connTask) IsSoftlyCancellableBy(o task.Task) bool {
	return isDeviceTask(o, task.KindDisconnect, t.dev) && o.Core().Ordinal() > t.Ordinal()
}

// AttemptToSoftlyCancel ends an executing task right away when the link is
// going down underneath it; a nil by comes from a lost connection.
func (t *connTask) AttemptToSoftlyCancel(by task.Task) {
	t.Base.AttemptToSoftlyCancel(by)
	if t.State() != task.Executing {
		return
	}
	if by == nil {
		t.SoftlyCancel()
		return
	}
	if d, ok := by.(*disconnectTask); ok && !d.explicit {
		t.SoftlyCancel()
	}
}

type connectTask struct {
	deviceTask
	explicit    bool
	autoConnect bool
}

func newConnectTask(d *Device, explicit, autoConnect bool) *connectTask {
	p := task.ForExplicitBondingAndConnecting
	if !explicit {
		p = task.ForImplicitBondingAndConnecting
	}
	return &connectTask{
		deviceTask:  newDeviceTask(task.KindConnect, d, p),
		explicit:    explicit,
		autoConnect: autoConnect,
	}
}

func (t *connectTask) usage() AutoConnectUsage {
	if t.autoConnect {
		return AutoConnectUsed
	}
	return AutoConnectNotUsed
}

func (t *connectTask) Execute() {
	switch t.radio().ConnectionState(t.dev.addr) {
	case radio.Connected:
		t.Redundant()
		return
	case radio.Connecting:
		if !t.explicit {
			// the stack is already connecting on its own; wait for its callback
			return
		}
	}
	if !t.radio().Connect(t.dev.addr, t.autoConnect) {
		t.FailImmediately()
	}
}

func (t *connectTask) IsCancellableBy(o task.Task) bool {
	return isRadioTask(o)
}

func (t *connectTask) IsSoftlyCancellableBy(o task.Task) bool {
	return isDeviceTask(o, task.KindDisconnect, t.dev) && o.Core().Ordinal() > t.Ordinal()
}

func (t *connectTask) AttemptToSoftlyCancel(by task.Task) {
	t.Base.AttemptToSoftlyCancel(by)
	if t.State() == task.Executing {
		t.SoftlyCancel()
	}
}

func (t *connectTask) OnStateChange(s task.State) {
	if s.IsEndingState() {
		t.dev.cm.onConnectTaskEnded(t, s)
	}
}

type disconnectTask struct {
	deviceTask
	explicit    bool
	cancellable bool
	saveLast    bool
	handled     bool
}

func newDisconnectTask(d *Device, explicit bool, p task.Priority, cancellable, saveLast bool) *disconnectTask {
	return &disconnectTask{
		deviceTask:  newDeviceTask(task.KindDisconnect, d, p),
		explicit:    explicit,
		cancellable: cancellable,
		saveLast:    saveLast,
	}
}

func (t *disconnectTask) Execute() {
	if !t.radio().Disconnect(t.dev.addr) {
		t.Redundant()
	}
}

func (t *disconnectTask) IsCancellableBy(o task.Task) bool {
	return isRadioTask(o)
}

func (t *disconnectTask) IsSoftlyCancellableBy(o task.Task) bool {
	if !t.cancellable {
		return false
	}
	c, ok := o.(*connectTask)
	return ok && c.dev == t.dev && c.explicit && c.Ordinal() > t.Ordinal()
}

func (t *disconnectTask) OnStateChange(s task.State) {
	if s.IsEndingState() && !t.handled {
		t.dev.cm.onDisconnectTaskEnded(t, s)
	}
}

type discoverServicesTask struct {
	connTask
	refresh bool
}

func newDiscoverServicesTask(d *Device, refresh bool) *discoverServicesTask {
	t := &discoverServicesTask{
		connTask: connTask{deviceTask: newDeviceTask(task.KindDiscoverServices, d, task.Medium)},
		refresh:  refresh,
	}
	if refresh {
		t.SetExecutionDelay(d.cfg.GattRefreshDelay)
	} else {
		t.SetExecutionDelay(d.cfg.ServiceDiscoveryDelay)
	}
	return t
}

func (t *discoverServicesTask) Execute() {
	if t.refresh && !t.radio().RefreshGatt(t.dev.addr) {
		t.dev.log.Warn("gatt refresh refused, discovering anyway")
	}
	if !t.radio().DiscoverServices(t.dev.addr) {
		t.FailImmediately()
	}
}

func (t *discoverServicesTask) OnStateChange(s task.State) {
	if s.IsEndingState() {
		t.dev.cm.onDiscoverServicesEnded(t, s)
	}
}

type bondTask struct {
	deviceTask
	explicit bool
	listener BondListener
	reason   int
}

func newBondTask(d *Device, explicit bool, l BondListener) *bondTask {
	p := task.ForExplicitBondingAndConnecting
	if !explicit {
		p = task.ForImplicitBondingAndConnecting
	}
	return &bondTask{
		deviceTask: newDeviceTask(task.KindBond, d, p),
		explicit:   explicit,
		listener:   l,
		reason:     radio.StatusNotApplicable,
	}
}

func (t *bondTask) Execute() {
	if t.radio().BondState(t.dev.addr) == radio.BondBonded {
		t.Redundant()
		return
	}
	if !t.radio().CreateBond(t.dev.addr) {
		t.FailImmediately()
		return
	}
	t.dev.updateBondState(radio.BondBonding, t.explicit, radio.StatusNotApplicable)
}

func (t *bondTask) IsCancellableBy(o task.Task) bool {
	return isRadioTask(o)
}

func (t *bondTask) OnStateChange(s task.State) {
	if s.IsEndingState() {
		t.dev.onBondTaskEnded(t, s)
	}
}

type unbondTask struct {
	deviceTask
}

func newUnbondTask(d *Device) *unbondTask {
	return &unbondTask{deviceTask: newDeviceTask(task.KindUnbond, d, task.Medium)}
}

func (t *unbondTask) Execute() {
	if !t.radio().RemoveBond(t.dev.addr) {
		t.Redundant()
	}
}

func (t *unbondTask) IsCancellableBy(o task.Task) bool {
	return isRadioTask(o)
}

func (t *unbondTask) OnStateChange(s task.State) {
	if s.IsEndingState() && s != task.Interrupted {
		t.dev.updateBondState(t.radio().BondState(t.dev.addr), true, radio.StatusNotApplicable)
	}
}

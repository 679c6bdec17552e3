package ble

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/task"
)

var gattKinds = map[ReadWriteType]task.Kind{
	OpRead:               task.KindRead,
	OpWrite:              task.KindWrite,
	OpReadRssi:           task.KindReadRssi,
	OpRequestMtu:         task.KindRequestMtu,
	OpSetPhy:             task.KindSetPhy,
	OpReadDescriptor:     task.KindReadDescriptor,
	OpWriteDescriptor:    task.KindWriteDescriptor,
	OpEnableNotify:       task.KindToggleNotify,
	OpDisableNotify:      task.KindToggleNotify,
	OpConnectionPriority: task.KindConnectionPriority,
	OpPoll:               task.KindRead,
}

// connectionPrioritySettle is how long a connection priority request is
// given to take effect. The stack never reports it.
const connectionPrioritySettle = 500 * time.Millisecond

// gattTask runs one GATT operation on a connected device
type gattTask struct {
	connTask
	op       ReadWriteType
	char     uuid.UUID
	desc     uuid.UUID
	data     []byte
	mtu      int
	phy      radio.Phy
	priority radio.ConnectionPriority
	txn      Txn
	listener ReadWriteListener
	result   ReadWriteEvent
	settled  time.Duration
}

func newGattTask(d *Device, op ReadWriteType, txn Txn, l ReadWriteListener) *gattTask {
	t := &gattTask{
		connTask: connTask{deviceTask: newDeviceTask(gattKinds[op], d, task.ForNormalReadsWrites)},
		op:       op,
		txn:      txn,
		listener: l,
	}
	t.result = ReadWriteEvent{Device: d, Type: op, GattStatus: radio.StatusNotApplicable}
	return t
}

// TxnID implements task.TxnBound; tasks outside a transaction report uuid.Nil
func (t *gattTask) TxnID() uuid.UUID {
	if t.txn == nil {
		return uuid.Nil
	}
	return t.txn.base().id
}

func (t *gattTask) Execute() {
	r, addr := t.radio(), t.dev.addr
	var ok bool
	switch t.op {
	case OpRead, OpPoll:
		ok = r.Read(addr, t.char)
	case OpWrite:
		ok = r.Write(addr, t.char, t.data)
	case OpReadRssi:
		ok = r.ReadRssi(addr)
	case OpRequestMtu:
		ok = r.RequestMtu(addr, t.mtu)
	case OpSetPhy:
		ok = r.SetPhy(addr, t.phy)
	case OpReadDescriptor:
		ok = r.ReadDescriptor(addr, t.char, t.desc)
	case OpWriteDescriptor:
		ok = r.WriteDescriptor(addr, t.char, t.desc, t.data)
	case OpEnableNotify, OpDisableNotify:
		ok = r.SetNotify(addr, t.char, t.op == OpEnableNotify)
	case OpConnectionPriority:
		ok = r.RequestConnectionPriority(addr, t.priority)
	}
	if !ok {
		t.FailImmediately()
	}
}

// Update succeeds a connection priority request once it had time to settle
func (t *gattTask) Update(dt time.Duration) {
	if t.op != OpConnectionPriority || t.State() != task.Executing {
		return
	}
	t.settled += dt
	if t.settled >= connectionPrioritySettle {
		t.result.Priority = t.priority
		t.complete(radio.GattSuccess)
	}
}

// matches reports whether a native result for char and desc belongs to t
func (t *gattTask) matches(char, desc uuid.UUID) bool {
	return t.char == char && t.desc == desc
}

// IsInterruptableBy lets an implicit bond of the same device run ahead of a
// read or write; the read or write is re-queued behind it.
func (t *gattTask) IsInterruptableBy(o task.Task) bool {
	switch t.op {
	case OpRead, OpWrite, OpPoll, OpReadDescriptor, OpWriteDescriptor:
	default:
		return false
	}
	b, ok := o.(*bondTask)
	return ok && b.dev == t.dev && !b.explicit
}

// complete records a native result and ends the task
func (t *gattTask) complete(status int) {
	t.result.GattStatus = status
	if status == radio.GattSuccess {
		t.result.Status = RWSuccess
		t.Succeed()
		return
	}
	t.result.Status = RWRemoteGattFailure
	t.Fail()
}

func (t *gattTask) OnStateChange(s task.State) {
	if !s.IsEndingState() || s == task.Interrupted {
		return
	}
	if t.result.Status == RWNull {
		t.result.Status = t.statusFor(s)
	}
	t.dev.onGattTaskEnded(t)
}

func (t *gattTask) statusFor(s task.State) ReadWriteStatus {
	switch s {
	case task.Succeeded, task.Redundant:
		return RWSuccess
	case task.TimedOut:
		return RWTimedOut
	case task.FailedImmediately:
		return RWFailedToSend
	case task.Failed:
		if t.notConnected {
			return RWNotConnected
		}
		return RWRemoteGattFailure
	default:
		if !t.dev.mgr.IsOn() {
			return RWBleOff
		}
		return RWCancelled
	}
}

// txnLockTask holds the queue for an atomic transaction. It never times out
// and ends when its transaction does.
type txnLockTask struct {
	deviceTask
	txn *BaseTxn
}

func newTxnLockTask(d *Device, txn *BaseTxn) *txnLockTask {
	t := &txnLockTask{
		deviceTask: newDeviceTask(task.KindTxnLock, d, task.Medium),
		txn:        txn,
	}
	t.SetTimeout(0)
	return t
}

func (t *txnLockTask) TxnID() uuid.UUID { return t.txn.id }

func (t *txnLockTask) Execute() {}

func (t *txnLockTask) IsArmable() bool { return t.txn.running }

func (t *txnLockTask) IsInterruptableBy(o task.Task) bool {
	if b, ok := o.(task.TxnBound); ok && b.TxnID() == t.txn.id {
		return true
	}
	b, ok := o.(*bondTask)
	return ok && b.dev == t.dev
}

func (t *txnLockTask) IsCancellableBy(o task.Task) bool {
	return isRadioTask(o)
}

package ble

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/task"
)

// TxnKind tells which phase of a connection a transaction serves
type TxnKind int

const (
	TxnAuth TxnKind = iota
	TxnInit
	TxnUser
)

func (k TxnKind) String() string {
	switch k {
	case TxnAuth:
		return "AUTH"
	case TxnInit:
		return "INIT"
	default:
		return "USER"
	}
}

// TxnResult is how a transaction ended
type TxnResult int

const (
	TxnSucceeded TxnResult = iota
	TxnFailed
	TxnCancelled
)

func (r TxnResult) String() string {
	switch r {
	case TxnSucceeded:
		return "SUCCEEDED"
	case TxnFailed:
		return "FAILED"
	default:
		return "CANCELLED"
	}
}

// Txn is a user-defined sequence of GATT operations with a single outcome.
// Implementations embed BaseTxn and end themselves with Succeed or Fail.
type Txn interface {
	// Start runs on the update loop when the transaction begins
	Start(d *Device)
	// Update runs every tick while the transaction is running
	Update(dt time.Duration)

	base() *BaseTxn
}

// BaseTxn is the bookkeeping every transaction embeds
type BaseTxn struct {
	// Atomic transactions hold a lock task so no other device operation
	// interleaves with theirs.
	Atomic bool

	id      uuid.UUID
	dev     *Device
	kind    TxnKind
	running bool
	lock    *txnLockTask
	onEnd   func(Txn, TxnResult)
	self    Txn
}

func (b *BaseTxn) base() *BaseTxn { return b }

// Update implements Txn
func (b *BaseTxn) Update(time.Duration) {}

// ID identifies the current run
func (b *BaseTxn) ID() uuid.UUID { return b.id }

// Device returns the device the transaction runs on
func (b *BaseTxn) Device() *Device { return b.dev }

// Kind returns the phase the transaction serves
func (b *BaseTxn) Kind() TxnKind { return b.kind }

// IsRunning reports whether the transaction has started and not ended
func (b *BaseTxn) IsRunning() bool { return b.running }

// Succeed ends the transaction successfully
func (b *BaseTxn) Succeed() { b.end(TxnSucceeded) }

// Fail ends the transaction as failed
func (b *BaseTxn) Fail() { b.end(TxnFailed) }

// Cancel ends the transaction without judging it
func (b *BaseTxn) Cancel() { b.end(TxnCancelled) }

func (b *BaseTxn) end(r TxnResult) {
	if !b.running || b.dev == nil {
		return
	}
	b.dev.cm.txns.onEnd(b, r)
}

// FuncTxn is a transaction built from callbacks
type FuncTxn struct {
	BaseTxn
	OnStart  func(t *FuncTxn)
	OnUpdate func(t *FuncTxn, dt time.Duration)
}

// NewTxn returns a transaction that runs start when it begins
func NewTxn(start func(t *FuncTxn)) *FuncTxn {
	return &FuncTxn{OnStart: start}
}

// NewAtomicTxn is NewTxn with Atomic set
func NewAtomicTxn(start func(t *FuncTxn)) *FuncTxn {
	t := NewTxn(start)
	t.Atomic = true
	return t
}

// Start implements Txn
func (t *FuncTxn) Start(*Device) {
	if t.OnStart != nil {
		t.OnStart(t)
	}
}

// Update implements Txn
func (t *FuncTxn) Update(dt time.Duration) {
	if t.OnUpdate != nil {
		t.OnUpdate(t, dt)
	}
}

// txnManager runs at most one transaction per device
type txnManager struct {
	dev     *Device
	auth    Txn
	initTxn Txn
	current Txn
}

func (m *txnManager) onConnect(auth, init Txn) {
	m.auth = auth
	m.initTxn = init
}

func (m *txnManager) start(t Txn, kind TxnKind, onEnd func(Txn, TxnResult)) {
	if t == nil {
		return
	}
	if m.current != nil {
		m.cancelAll()
	}

	b := t.base()
	b.id = uuid.New()
	b.dev = m.dev
	b.kind = kind
	b.running = true
	b.self = t
	b.onEnd = onEnd
	b.lock = nil
	m.current = t

	m.dev.log.Debug("starting %s transaction %s", kind, b.id)
	if b.Atomic {
		b.lock = newTxnLockTask(m.dev, b)
		m.dev.mgr.tasks.Add(b.lock)
	}
	m.dev.mgr.safely(func() { t.Start(m.dev) })
}

func (m *txnManager) onEnd(b *BaseTxn, r TxnResult) {
	b.running = false
	if m.current == nil || m.current.base() != b {
		return
	}
	m.current = nil
	m.clearQueueLock()
	m.dev.log.Debug("%s transaction %s ended %s", b.kind, b.id, r)

	if b.onEnd != nil {
		fn := b.onEnd
		m.dev.mgr.safely(func() { fn(b.self, r) })
	}
	switch b.kind {
	case TxnAuth:
		m.dev.cm.onAuthEnded(r)
	case TxnInit:
		m.dev.cm.onInitEnded(r)
	}
}

func (m *txnManager) update(dt time.Duration) {
	if m.current != nil {
		m.current.Update(dt)
	}
}

// cancelAll ends the running transaction, if any, as cancelled
func (m *txnManager) cancelAll() {
	if m.current != nil {
		m.onEnd(m.current.base(), TxnCancelled)
	}
}

func (m *txnManager) clearQueueLock() {
	tm := m.dev.mgr.tasks
	if !tm.Succeed(task.KindTxnLock, m.dev) {
		tm.ClearQueueOf(task.KindTxnLock, m.dev, -1)
	}
}

func (m *txnManager) isRunning() bool { return m.current != nil }

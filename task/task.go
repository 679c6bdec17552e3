// Package task implements the serialized native-operation queue: tasks, their
// execution state machine, and the manager that runs one task at a time.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Owner is the device or manager a task acts on. Owners are compared by identity.
type Owner interface {
	OwnerName() string
}

// UseDefaultTimeout makes the manager apply its default timeout when the task is armed
const UseDefaultTimeout time.Duration = -1

// Task is a single native operation
type Task interface {
	// Core returns the embedded bookkeeping shared by every task
	Core() *Base

	Kind() Kind
	Owner() Owner
	Priority() Priority

	// Timeout is the time a task may stay EXECUTING. Zero never expires.
	Timeout() time.Duration

	// ExecutionDelay is how long an armed task waits before executing
	ExecutionDelay() time.Duration

	IsArmable() bool
	IsExecutable() bool

	IsCancellableBy(other Task) bool
	IsInterruptableBy(other Task) bool
	IsSoftlyCancellableBy(other Task) bool

	// AttemptToSoftlyCancel marks the task; overrides may end it right away
	AttemptToSoftlyCancel(by Task)

	// Execute issues the task's native call and returns without waiting for it
	Execute()

	// OnNotExecutable runs when an armed task finds IsExecutable false
	OnNotExecutable()

	// Update runs every tick while the task is current
	Update(dt time.Duration)

	// OnStateChange runs after every state transition
	OnStateChange(s State)
}

// TxnBound is implemented by tasks that belong to a transaction
type TxnBound interface {
	Task
	TxnID() uuid.UUID
}

// Prioritizer lets a task refine the default priority comparison
type Prioritizer interface {
	IsMoreImportantThan(other Task) bool
}

// IsMoreImportant reports whether a should run before b
func IsMoreImportant(a, b Task) bool {
	if p, ok := a.(Prioritizer); ok {
		return p.IsMoreImportantThan(b)
	}
	return a.Priority() > b.Priority()
}

// Base carries the state every task shares. Concrete tasks embed it and
// implement Execute; every other Task method has a default here.
type Base struct {
	self     Task
	mgr      *Manager
	kind     Kind
	owner    Owner
	priority Priority

	state           State
	ordinal         int
	softlyCancelled bool

	timeout        time.Duration
	activeTimeout  time.Duration
	executionDelay time.Duration

	armedFor     time.Duration
	executeStart time.Time
	executedAt   time.Time
	createdAt    time.Time

	listener func(Task, State)
}

// NewBase builds the shared part of a task
func NewBase(kind Kind, owner Owner, priority Priority) Base {
	return Base{
		kind:     kind,
		owner:    owner,
		priority: priority,
		ordinal:  -1,
		timeout:  UseDefaultTimeout,
	}
}

// Core implements Task
func (b *Base) Core() *Base { return b }

// Kind implements Task
func (b *Base) Kind() Kind { return b.kind }

// Owner implements Task
func (b *Base) Owner() Owner { return b.owner }

// Priority implements Task
func (b *Base) Priority() Priority { return b.priority }

// SetPriority changes the priority used for the next insertion
func (b *Base) SetPriority(p Priority) { b.priority = p }

// Timeout implements Task
func (b *Base) Timeout() time.Duration { return b.timeout }

// SetTimeout sets the timeout applied when the task is next armed
func (b *Base) SetTimeout(d time.Duration) { b.timeout = d }

// ExecutionDelay implements Task
func (b *Base) ExecutionDelay() time.Duration { return b.executionDelay }

// SetExecutionDelay sets the delay between arming and executing
func (b *Base) SetExecutionDelay(d time.Duration) { b.executionDelay = d }

// IsArmable implements Task
func (b *Base) IsArmable() bool { return true }

// IsExecutable implements Task
func (b *Base) IsExecutable() bool { return true }

// IsCancellableBy implements Task
func (b *Base) IsCancellableBy(Task) bool { return false }

// IsInterruptableBy implements Task
func (b *Base) IsInterruptableBy(Task) bool { return false }

// IsSoftlyCancellableBy implements Task
func (b *Base) IsSoftlyCancellableBy(Task) bool { return false }

// AttemptToSoftlyCancel implements Task
func (b *Base) AttemptToSoftlyCancel(Task) { b.softlyCancelled = true }

// OnNotExecutable implements Task
func (b *Base) OnNotExecutable() { b.Fail() }

// Update implements Task
func (b *Base) Update(time.Duration) {}

// OnStateChange implements Task
func (b *Base) OnStateChange(State) {}

// SetListener registers a callback for every state change of this task
func (b *Base) SetListener(fn func(Task, State)) { b.listener = fn }

// State returns the current execution state
func (b *Base) State() State { return b.state }

// Ordinal is the monotonic insertion number, -1 before the task is queued
func (b *Base) Ordinal() int { return b.ordinal }

// WasSoftlyCancelled reports whether a soft cancel has been requested
func (b *Base) WasSoftlyCancelled() bool { return b.softlyCancelled }

// Manager returns the manager the task was added to
func (b *Base) Manager() *Manager { return b.mgr }

// ActiveTimeout is the timeout resolved when the task was armed
func (b *Base) ActiveTimeout() time.Duration { return b.activeTimeout }

// ExecutedAt is when Execute was last called
func (b *Base) ExecutedAt() time.Time { return b.executedAt }

// CreatedAt is when the task was first added
func (b *Base) CreatedAt() time.Time { return b.createdAt }

// TimeExecuting returns how long the task has been executing at now
func (b *Base) TimeExecuting(now time.Time) time.Duration {
	if b.executedAt.IsZero() {
		return 0
	}
	return now.Sub(b.executedAt)
}

// Succeed ends the task as SUCCEEDED if it is current
func (b *Base) Succeed() { b.end(Succeeded) }

// Fail ends the task as FAILED if it is current
func (b *Base) Fail() { b.end(Failed) }

// FailImmediately ends the task as FAILED_IMMEDIATELY if it is current
func (b *Base) FailImmediately() { b.end(FailedImmediately) }

// Redundant ends the task as REDUNDANT if it is current
func (b *Base) Redundant() { b.end(Redundant) }

// SoftlyCancel ends the task as SOFTLY_CANCELLED if it is current
func (b *Base) SoftlyCancel() { b.end(SoftlyCancelled) }

// ResetTimeout restarts the timeout window from the current tick
func (b *Base) ResetTimeout(d time.Duration) {
	if b.mgr == nil {
		b.activeTimeout = d
		return
	}
	b.mgr.mu.Lock()
	b.activeTimeout = d
	b.executeStart = b.mgr.now
	b.mgr.mu.Unlock()
}

// SelfInterrupt ends an armed or executing task as INTERRUPTED and re-adds it
func (b *Base) SelfInterrupt() {
	if b.mgr == nil {
		return
	}
	m := b.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.state != Executing && b.state != Armed {
		return
	}
	m.tryEndingTask(b.self, Interrupted)
	m.add(b.self)
}

// ClearFromQueue removes a queued task, ending it as CLEARED_FROM_QUEUE
func (b *Base) ClearFromQueue() {
	if b.mgr == nil {
		return
	}
	m := b.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.state == Armed || b.state == Executing {
		m.assert(false, fmt.Sprintf("tried to clear %s from the queue while it is %s", b, b.state))
		return
	}
	m.removeFromQueue(b.self)
}

func (b *Base) end(s State) {
	if b.mgr == nil {
		return
	}
	m := b.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryEndingTask(b.self, s)
}

// setState runs with the manager lock held; listeners run with it released.
func (b *Base) setState(s State) {
	if !b.assert(s != b.state, fmt.Sprintf("%s set to its current state %s", b, s)) {
		return
	}
	b.state = s

	if b.mgr == nil {
		b.notify(s)
		return
	}
	if s.IsEndingState() {
		b.mgr.log.Debug("%s ended %s (update %d)", b, s, b.mgr.updateCount)
	} else if s == Executing {
		b.mgr.log.Debug("executing %s; %s", b, b.mgr.string())
	}
	b.mgr.unlocked(func() { b.notify(s) })
}

func (b *Base) notify(s State) {
	b.self.OnStateChange(s)
	if b.listener != nil {
		b.listener(b.self, s)
	}
	if b.mgr != nil && b.mgr.stateListener != nil {
		b.mgr.stateListener(b.self, s)
	}
}

func (b *Base) setEndingState(s State) {
	if b.softlyCancelled {
		s = SoftlyCancelled
	}
	if !b.assert(s.IsEndingState(), fmt.Sprintf("%s is not an ending state", s)) {
		return
	}
	if b.state == s {
		return
	}
	if !b.assert(!b.state.IsEndingState(), fmt.Sprintf("%s already ended %s", b, b.state)) {
		return
	}
	b.setState(s)
}

func (b *Base) arm(now time.Time) {
	b.armedFor = 0
	b.executeStart = now
	b.activeTimeout = b.self.Timeout()
	if b.activeTimeout < 0 {
		b.activeTimeout = b.mgr.defaultTimeout
	}
	b.setState(Armed)
}

// tryExecuting runs an armed task. A soft-cancelled task ends instead of executing.
func (b *Base) tryExecuting(now time.Time) {
	if b.state != Armed {
		return
	}
	if b.softlyCancelled {
		b.mgr.tryEndingTask(b.self, SoftlyCancelled)
		return
	}
	if !b.self.IsExecutable() {
		b.mgr.unlocked(b.self.OnNotExecutable)
		return
	}
	b.executeStart = now
	b.executedAt = now
	b.setState(Executing)
	if b.state == Executing {
		b.mgr.unlocked(b.self.Execute)
	}
}

func (b *Base) updateInternal(step time.Duration, now time.Time) {
	b.armedFor += step

	if b.armedFor >= b.self.ExecutionDelay() {
		switch b.state {
		case Armed:
			b.tryExecuting(now)
		case Executing:
			if b.activeTimeout > 0 && now.Sub(b.executeStart) >= b.activeTimeout {
				b.mgr.tryEndingTask(b.self, TimedOut)
				return
			}
		}
	}

	if b.mgr.current == b.self {
		b.mgr.unlocked(func() { b.self.Update(step) })
	}
}

func (b *Base) assert(cond bool, msg string) bool {
	if b.mgr == nil {
		return cond
	}
	return b.mgr.assert(cond, msg)
}

// String renders the task for logs
func (b *Base) String() string {
	owner := ""
	if b.owner != nil {
		owner = " " + b.owner.OwnerName()
	}
	return fmt.Sprintf("%s(%s%s #%d)", b.kind, b.state, owner, b.ordinal)
}

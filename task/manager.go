package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidroman0O/blelink/logger"
)

// RecursionLimit bounds how many tasks may be dequeued from inside a single
// ending-state call chain; past it, the next tick picks up the queue.
const RecursionLimit = 10

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithDefaultTimeout sets the timeout applied to tasks that do not declare one
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultTimeout = d }
}

// WithDelayBetweenTasks enforces a pause after a task ends before the next is dequeued
func WithDelayBetweenTasks(d time.Duration) ManagerOption {
	return func(m *Manager) { m.delayBetween = d }
}

// WithStateListener registers a listener that hears every task state change
func WithStateListener(fn func(Task, State)) ManagerOption {
	return func(m *Manager) { m.stateListener = fn }
}

// WithAssertHandler replaces the handler called when an internal invariant fails
func WithAssertHandler(fn func(msg string)) ManagerOption {
	return func(m *Manager) { m.onAssert = fn }
}

// Manager runs at most one task at a time. One lock guards the queue, the
// current task and the clock. It is released whenever the manager calls into
// task code (Execute, Update, state listeners), so a task may add or end tasks
// from there.
type Manager struct {
	mu    sync.Mutex
	log   logger.Logger
	queue *Queue

	current Task
	ordinal int

	now             time.Time
	elapsed         time.Duration
	timeSinceEnding time.Duration
	updateCount     int64
	recursion       int
	suspended       bool

	defaultTimeout time.Duration
	delayBetween   time.Duration

	stateListener func(Task, State)
	onAssert      func(msg string)
}

// NewManager creates a task manager
func NewManager(log logger.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	m := &Manager{
		log:             log,
		queue:           NewQueue(),
		timeSinceEnding: -1,
		defaultTimeout:  12500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// unlocked runs fn with the lock released. The caller holds the lock.
func (m *Manager) unlocked(fn func()) {
	m.mu.Unlock()
	defer m.mu.Lock()
	fn()
}

// Assert logs and reports a failed invariant without panicking. It returns cond.
func (m *Manager) Assert(cond bool, msg string) bool {
	if cond {
		return true
	}
	m.log.Error("assertion failed: %s", msg)
	if m.onAssert != nil {
		m.onAssert(msg)
	}
	return false
}

// assert is Assert for callers holding the lock
func (m *Manager) assert(cond bool, msg string) bool {
	if cond {
		return true
	}
	m.unlocked(func() { m.Assert(false, msg) })
	return false
}

// Now returns the time of the current tick
func (m *Manager) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// SetNow sets the tick time without advancing the scheduler
func (m *Manager) SetNow(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Elapsed is the total of every step passed to Update
func (m *Manager) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}

// UpdateCount is the number of Update calls processed
func (m *Manager) UpdateCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCount
}

// CurrentOrdinal is the ordinal the next queued task will receive
func (m *Manager) CurrentOrdinal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ordinal
}

// SetSuspended stops or resumes dequeuing
func (m *Manager) SetSuspended(suspended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended == suspended {
		return
	}
	m.suspended = suspended
	m.log.Info("task manager suspended: %t", suspended)
}

// Add submits a task. It cancels the current task if t may cancel it,
// otherwise interrupts it if t may interrupt it, otherwise queues t by priority.
// Add is safe to call from any goroutine.
func (m *Manager) Add(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(t)
}

func (m *Manager) add(t Task) {
	b := t.Core()
	b.self = t
	b.mgr = m
	if b.createdAt.IsZero() {
		b.createdAt = m.now
	}
	if b.state != Created {
		b.setState(Created)
	}

	m.log.Debug("adding %s", b)

	switch {
	case m.tryCancellingCurrent(t):
		if m.current == nil {
			m.dequeue()
		}
	case m.tryInterruptingCurrent(t):
	default:
		m.queue.InsertAtSoonestPosition(t)
		m.onAddedToQueue(t)
	}
}

func (m *Manager) tryCancellingCurrent(t Task) bool {
	if m.current == nil || !m.current.IsCancellableBy(t) {
		return false
	}
	m.endCurrent(Cancelled, true)
	m.addToFront(t)
	return true
}

func (m *Manager) tryInterruptingCurrent(t Task) bool {
	if m.current == nil || !m.current.IsInterruptableBy(t) {
		return false
	}
	saved := m.current
	m.endCurrent(Interrupted, true)
	saved.Core().setState(Created)
	m.addToFront(saved)
	m.addToFront(t)
	return true
}

func (m *Manager) addToFront(t Task) {
	m.queue.PushFront(t)
	m.onAddedToQueue(t)
}

func (m *Manager) onAddedToQueue(t Task) {
	b := t.Core()
	if b.ordinal < 0 {
		b.ordinal = m.ordinal
		m.ordinal++
	}
	b.setState(Queued)
	m.softlyCancelTasks(t)
}

// softlyCancelTasks marks every queued task, and the current one, that by may softly cancel
func (m *Manager) softlyCancelTasks(by Task) {
	m.queue.ForEach(func(t Task) Result {
		if t != by && t.IsSoftlyCancellableBy(by) {
			m.unlocked(func() { t.AttemptToSoftlyCancel(by) })
		}
		return Continue
	})
	if cur := m.current; cur != nil && cur != by && cur.IsSoftlyCancellableBy(by) {
		m.unlocked(func() { cur.AttemptToSoftlyCancel(by) })
	}
}

// SoftlyCancelTasksOf marks the connection-dependent tasks of owner, queued
// or current, whose ordinal is at most ceiling. A negative ceiling marks all.
func (m *Manager) SoftlyCancelTasksOf(owner Owner, ceiling int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark := func(t Task) {
		if !matches(t, KindRequiresConnection, owner) {
			return
		}
		if ceiling >= 0 && t.Core().ordinal > ceiling {
			return
		}
		m.unlocked(func() { t.AttemptToSoftlyCancel(nil) })
	}
	m.queue.ForEach(func(t Task) Result {
		mark(t)
		return Continue
	})
	if m.current != nil {
		mark(m.current)
	}
}

// Update advances the clock, dequeues when idle, ticks the current task, and
// reports whether a task is active.
func (m *Manager) Update(step time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return false
	}

	m.now = now
	m.elapsed += step
	m.updateCount++

	if m.current == nil {
		if m.timeSinceEnding < 0 {
			m.timeSinceEnding = 0
		} else {
			m.timeSinceEnding += step
		}
	}

	active := false
	if m.current == nil {
		active = m.dequeue()
	}

	if cur := m.current; cur != nil {
		cur.Core().updateInternal(step, now)
		active = true

		if lock := m.current; lock != nil && lock.Kind() == KindTxnLock {
			m.promoteTxnTask(lock)
		}
	}
	return active
}

// promoteTxnTask pulls a queued task of the lock's transaction ahead so the
// lock cannot starve its own reads and writes.
func (m *Manager) promoteTxnTask(lock Task) {
	holder, ok := lock.(TxnBound)
	if !ok {
		return
	}
	id := holder.TxnID()
	found, _ := m.queue.ForEach(func(t Task) Result {
		bound, ok := t.(TxnBound)
		if !ok || !t.Kind().Is(KindTransactionable) {
			return Continue
		}
		if t.IsArmable() && bound.TxnID() == id {
			return ReturnAndDequeue
		}
		return Continue
	})
	if found != nil {
		m.log.Debug("moving %s ahead of its transaction lock", found.Core())
		m.add(found)
	}
}

func (m *Manager) delayPassed() bool {
	if m.delayBetween <= 0 {
		return true
	}
	return m.timeSinceEnding >= m.delayBetween
}

func (m *Manager) dequeue() bool {
	if m.suspended {
		return false
	}
	if !m.assert(m.current == nil, "dequeue with a current task") {
		return false
	}
	if !m.delayPassed() {
		return false
	}

	next, _ := m.queue.ForEach(func(t Task) Result {
		if t.IsArmable() {
			return ReturnAndDequeue
		}
		return Continue
	})
	if next == nil {
		return false
	}

	m.current = next
	b := next.Core()
	b.arm(m.now)
	if next.ExecutionDelay() <= 0 {
		b.tryExecuting(m.now)
	}
	return true
}

func (m *Manager) endCurrent(s State, dontDequeue bool) bool {
	if !m.assert(s.IsEndingState(), fmt.Sprintf("%s is not an ending state", s)) {
		return false
	}
	cur := m.current
	if cur == nil {
		return false
	}

	m.current = nil
	m.timeSinceEnding = -1
	cur.Core().setEndingState(s)

	if !dontDequeue && m.current == nil && m.queue.Len() > 0 {
		if m.recursion < RecursionLimit {
			m.recursion++
			m.dequeue()
			m.recursion--
		} else {
			m.log.Warn("recursion limit reached; leaving dequeue to the next tick")
		}
	}
	return true
}

func (m *Manager) tryEndingTask(t Task, s State) {
	if t == nil || t != m.current {
		return
	}
	if !m.endCurrent(s, false) {
		m.assert(false, fmt.Sprintf("unable to end %s", t.Core()))
	}
}

func (m *Manager) removeFromQueue(t Task) {
	if m.queue.Remove(t) {
		m.onRemovedFromQueue(t)
	}
}

func (m *Manager) onRemovedFromQueue(t Task) {
	b := t.Core()
	if b.softlyCancelled {
		b.setEndingState(SoftlyCancelled)
	} else {
		b.setEndingState(ClearedFromQueue)
	}
}

func matches(t Task, kind Kind, owner Owner) bool {
	if t == nil || !t.Kind().Is(kind) {
		return false
	}
	return owner == nil || t.Owner() == owner
}

// End ends the current task with s if it matches kind and owner
func (m *Manager) End(kind Kind, owner Owner, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if matches(m.current, kind, owner) {
		return m.endCurrent(s, false)
	}
	return false
}

// Succeed ends the current task as SUCCEEDED if it matches kind and owner
func (m *Manager) Succeed(kind Kind, owner Owner) bool {
	return m.End(kind, owner, Succeeded)
}

// Fail ends the current task as FAILED if it matches kind and owner
func (m *Manager) Fail(kind Kind, owner Owner) bool {
	return m.End(kind, owner, Failed)
}

// Interrupt ends the matching current task as INTERRUPTED and re-adds it
func (m *Manager) Interrupt(kind Kind, owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current
	if !matches(cur, kind, owner) {
		return false
	}
	m.tryEndingTask(cur, Interrupted)
	m.add(cur)
	return true
}

// InterruptOwner interrupts the current task if it belongs to owner
func (m *Manager) InterruptOwner(owner Owner) bool {
	return m.Interrupt(KindAll, owner)
}

// ClearQueueOf removes queued tasks matching kind and owner whose ordinal is
// at most ceiling. A negative ceiling clears regardless of ordinal.
func (m *Manager) ClearQueueOf(kind Kind, owner Owner, ceiling int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.ForEach(func(t Task) Result {
		if ceiling >= 0 && t.Core().ordinal > ceiling {
			return Continue
		}
		if !matches(t, kind, owner) {
			return Continue
		}
		m.queue.Remove(t)
		m.onRemovedFromQueue(t)
		return Continue
	})
}

// ClearQueueOfAll empties the queue
func (m *Manager) ClearQueueOfAll() {
	m.ClearQueueOf(KindAll, nil, -1)
}

// Current returns the current task or nil
func (m *Manager) Current() Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// GetCurrent returns the current task if it matches kind and owner
func (m *Manager) GetCurrent(kind Kind, owner Owner) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if matches(m.current, kind, owner) {
		return m.current
	}
	return nil
}

// IsCurrent reports whether the current task matches kind and owner
func (m *Manager) IsCurrent(kind Kind, owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return matches(m.current, kind, owner)
}

// IsInQueue reports whether a queued task matches kind and owner
func (m *Manager) IsInQueue(kind Kind, owner Owner) bool {
	return m.PositionInQueue(kind, owner) >= 0
}

// IsCurrentOrInQueue reports whether a current or queued task matches
func (m *Manager) IsCurrentOrInQueue(kind Kind, owner Owner) bool {
	return m.Get(kind, owner) != nil
}

// PositionInQueue returns the index of the first matching queued task, or -1
func (m *Manager) PositionInQueue(kind Kind, owner Owner) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, pos := m.queue.ForEach(func(t Task) Result {
		if matches(t, kind, owner) {
			return Return
		}
		return Continue
	})
	return pos
}

// Get returns the current task if it matches, else the first matching queued task
func (m *Manager) Get(kind Kind, owner Owner) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if matches(m.current, kind, owner) {
		return m.current
	}
	found, _ := m.queue.ForEach(func(t Task) Result {
		if matches(t, kind, owner) {
			return Return
		}
		return Continue
	})
	return found
}

// Peek returns the head of the queue
func (m *Manager) Peek() Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Peek()
}

// Size returns the number of queued tasks, not counting the current one
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Queued returns a copy of the queue
func (m *Manager) Queued() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Snapshot()
}

// IsIdle reports whether nothing is running or queued
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == nil && m.queue.Len() == 0
}

// String renders the current task and up to ten queued tasks
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.string()
}

func (m *Manager) string() string {
	var sb strings.Builder
	if m.current != nil {
		sb.WriteString(m.current.Core().String())
	} else {
		sb.WriteString("no current task")
	}
	sb.WriteString(" [")
	n := m.queue.Len()
	limit := n
	if limit > 10 {
		limit = 10
	}
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.queue.At(i).Core().String())
	}
	if limit < n {
		fmt.Fprintf(&sb, " ... and %d more", n-limit)
	}
	sb.WriteString("]")
	return sb.String()
}

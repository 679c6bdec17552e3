package task

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOwner struct{ name string }

func (o *testOwner) OwnerName() string { return o.name }

type fakeTask struct {
	Base
	name     string
	txn      uuid.UUID
	executed int
	states   []State

	onExecute       func(f *fakeTask)
	onUpdate        func(f *fakeTask)
	executable      func() bool
	cancellableBy   func(Task) bool
	interruptableBy func(Task) bool
	softlyBy        func(Task) bool
}

func newFake(name string, kind Kind, owner Owner, p Priority) *fakeTask {
	return &fakeTask{Base: NewBase(kind, owner, p), name: name}
}

func (f *fakeTask) Execute() {
	f.executed++
	if f.onExecute != nil {
		f.onExecute(f)
	}
}

func (f *fakeTask) Update(time.Duration) {
	if f.onUpdate != nil {
		f.onUpdate(f)
	}
}

func (f *fakeTask) IsExecutable() bool {
	if f.executable != nil {
		return f.executable()
	}
	return true
}

func (f *fakeTask) IsCancellableBy(o Task) bool {
	return f.cancellableBy != nil && f.cancellableBy(o)
}

func (f *fakeTask) IsInterruptableBy(o Task) bool {
	return f.interruptableBy != nil && f.interruptableBy(o)
}

func (f *fakeTask) IsSoftlyCancellableBy(o Task) bool {
	return f.softlyBy != nil && f.softlyBy(o)
}

func (f *fakeTask) OnStateChange(s State) { f.states = append(f.states, s) }

func (f *fakeTask) TxnID() uuid.UUID { return f.txn }

func (f *fakeTask) endings() []State {
	var out []State
	for _, s := range f.states {
		if s.IsEndingState() {
			out = append(out, s)
		}
	}
	return out
}

func succeedOnExecute(f *fakeTask) { f.Succeed() }

// plainTask takes every default and never ends on its own
type plainTask struct{ Base }

func (p *plainTask) Execute() {}

type harness struct {
	m    *Manager
	now  time.Time
	step time.Duration
}

func newHarness(opts ...ManagerOption) *harness {
	return &harness{
		m:    NewManager(nil, opts...),
		now:  time.Unix(1_700_000_000, 0),
		step: 10 * time.Millisecond,
	}
}

func (h *harness) tick() bool {
	h.now = h.now.Add(h.step)
	return h.m.Update(h.step, h.now)
}

// Higher priority first, insertion order within a priority.
func TestQueueOrdering(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	var order []string

	mk := func(name string, p Priority) *fakeTask {
		f := newFake(name, KindRead, dev, p)
		f.onExecute = func(f *fakeTask) {
			order = append(order, f.name)
			f.Succeed()
		}
		return f
	}

	h.m.Add(mk("a", Low))
	h.m.Add(mk("b", Medium))
	h.m.Add(mk("c", Low))
	h.m.Add(mk("d", High))
	h.m.Add(mk("e", Medium))

	assert.Equal(t, 5, h.m.Size())
	h.tick()

	assert.Equal(t, []string{"d", "b", "e", "a", "c"}, order)
	assert.True(t, h.m.IsIdle())
}

func TestOrdinalsAreMonotonic(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	a := newFake("a", KindRead, dev, Low)
	b := newFake("b", KindRead, dev, High)
	h.m.Add(a)
	h.m.Add(b)

	assert.Equal(t, 0, a.Ordinal())
	assert.Equal(t, 1, b.Ordinal())
	assert.Equal(t, 2, h.m.CurrentOrdinal())
	assert.Equal(t, b, h.m.Peek())
}

func TestTimeoutAfterExactInterval(t *testing.T) {
	h := newHarness()
	f := newFake("slow", KindConnect, &testOwner{"dev"}, Medium)
	f.SetTimeout(100 * time.Millisecond)
	h.m.Add(f)

	h.tick()
	require.Equal(t, Executing, f.State())
	start := f.ExecutedAt()

	for f.State() == Executing {
		h.tick()
	}
	assert.Equal(t, TimedOut, f.State())
	assert.Equal(t, 100*time.Millisecond, h.now.Sub(start))
	assert.Equal(t, []State{TimedOut}, f.endings())
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	h := newHarness()
	f := newFake("lock", KindTxnLock, &testOwner{"dev"}, Medium)
	f.SetTimeout(0)
	h.m.Add(f)

	for i := 0; i < 5000; i++ {
		h.tick()
	}
	assert.Equal(t, Executing, f.State())
}

func TestDefaultTimeoutApplied(t *testing.T) {
	h := newHarness(WithDefaultTimeout(time.Second))
	f := newFake("x", KindRead, &testOwner{"dev"}, Low)
	h.m.Add(f)
	h.tick()
	assert.Equal(t, time.Second, f.ActiveTimeout())
}

func TestCancelCurrentRunsNewTaskImmediately(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}

	read := newFake("read", KindRead, dev, Low)
	read.cancellableBy = func(o Task) bool {
		return o.Kind() == KindDisconnect && o.Priority() == Critical && o.Owner() == dev
	}
	h.m.Add(read)
	h.tick()
	require.Equal(t, Executing, read.State())

	disc := newFake("disconnect", KindDisconnect, dev, Critical)
	h.m.Add(disc)

	assert.Equal(t, Cancelled, read.State())
	assert.Equal(t, Task(disc), h.m.Current())
	assert.Equal(t, Executing, disc.State())
	assert.Equal(t, 1, disc.executed)
}

func TestInterruptRequeuesBoth(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}

	a := newFake("a", KindRead, dev, Low)
	a.interruptableBy = func(o Task) bool { return o.Kind() == KindBond }
	h.m.Add(a)
	h.tick()
	require.Equal(t, Executing, a.State())

	bond := newFake("bond", KindBond, dev, High)
	bond.onExecute = succeedOnExecute
	h.m.Add(bond)

	assert.Equal(t, Queued, a.State())
	assert.Contains(t, a.states, Interrupted)
	queued := h.m.Queued()
	require.Len(t, queued, 2)
	assert.Equal(t, Task(bond), queued[0])
	assert.Equal(t, Task(a), queued[1])

	h.tick()
	assert.Equal(t, Succeeded, bond.State())
	assert.Equal(t, Executing, a.State())
	assert.Equal(t, 2, a.executed)
}

func TestInterruptByKindAndOwner(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	other := &testOwner{"other"}
	f := newFake("a", KindRead, dev, Low)
	h.m.Add(f)
	h.tick()

	assert.False(t, h.m.Interrupt(KindRead, other))
	assert.True(t, h.m.InterruptOwner(dev))
	assert.Contains(t, f.states, Interrupted)

	// re-added and picked up again
	h.tick()
	assert.Equal(t, Executing, f.State())
}

func TestSucceedAndFailMatchOwner(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	other := &testOwner{"other"}
	f := newFake("c", KindConnect, dev, Medium)
	h.m.Add(f)
	h.tick()

	assert.False(t, h.m.Succeed(KindConnect, other), "stale callback from another device")
	assert.False(t, h.m.Fail(KindDisconnect, dev), "wrong kind")
	assert.Equal(t, Executing, f.State())

	assert.True(t, h.m.Succeed(KindConnect, dev))
	assert.Equal(t, Succeeded, f.State())

	// ending is reported exactly once
	assert.False(t, h.m.Fail(KindConnect, dev))
	f.Fail()
	assert.Equal(t, []State{Succeeded}, f.endings())
}

func TestSoftCancel(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	byLaterDisconnect := func(self *fakeTask) func(Task) bool {
		return func(o Task) bool {
			return o.Kind() == KindDisconnect && o.Core().Ordinal() > self.Ordinal()
		}
	}

	read := newFake("read", KindRead, dev, Medium)
	read.softlyBy = byLaterDisconnect(read)
	h.m.Add(read)

	disc := newFake("disconnect", KindDisconnect, dev, Low)
	h.m.Add(disc)
	assert.True(t, read.WasSoftlyCancelled())
	assert.False(t, disc.WasSoftlyCancelled())

	// the marked task ends without executing and the disconnect runs
	h.tick()
	assert.Equal(t, SoftlyCancelled, read.State())
	assert.Equal(t, 0, read.executed)
	assert.Equal(t, Executing, disc.State())

	marked := newFake("marked", KindWrite, dev, Medium)
	marked.softlyBy = byLaterDisconnect(marked)
	plain := newFake("plain", KindWrite, dev, Medium)
	h.m.Add(marked)
	h.m.Add(plain)
	h.m.Add(newFake("disconnect2", KindDisconnect, dev, Low))
	require.True(t, marked.WasSoftlyCancelled())

	h.m.ClearQueueOf(KindWrite, dev, -1)
	assert.Equal(t, SoftlyCancelled, marked.State())
	assert.Equal(t, ClearedFromQueue, plain.State())
}

func TestClearQueueOfWithCeiling(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	other := &testOwner{"other"}

	var tasks []*fakeTask
	for i := 0; i < 4; i++ {
		f := newFake(fmt.Sprintf("r%d", i), KindRead, dev, Low)
		tasks = append(tasks, f)
		h.m.Add(f)
	}
	foreign := newFake("foreign", KindRead, other, Low)
	h.m.Add(foreign)

	h.m.ClearQueueOf(KindRequiresConnection, dev, 1)

	assert.Equal(t, ClearedFromQueue, tasks[0].State())
	assert.Equal(t, ClearedFromQueue, tasks[1].State())
	assert.Equal(t, Queued, tasks[2].State())
	assert.Equal(t, Queued, tasks[3].State())
	assert.Equal(t, Queued, foreign.State())
	assert.Equal(t, 3, h.m.Size())

	assert.Equal(t, 0, h.m.PositionInQueue(KindRead, dev))
	assert.Equal(t, 2, h.m.PositionInQueue(KindRead, other))
	assert.Equal(t, -1, h.m.PositionInQueue(KindWrite, nil))

	h.m.ClearQueueOfAll()
	assert.True(t, h.m.IsIdle())
}

func TestRecursionLimitDefersToNextTick(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	executed := 0
	for i := 0; i < 15; i++ {
		f := newFake("quick", KindRead, dev, Low)
		f.onExecute = func(f *fakeTask) {
			executed++
			f.Succeed()
		}
		h.m.Add(f)
	}

	h.tick()
	assert.Equal(t, RecursionLimit+1, executed)
	assert.Equal(t, 15-(RecursionLimit+1), h.m.Size())
	assert.Equal(t, 0, h.m.recursion)

	h.tick()
	assert.Equal(t, 15, executed)
}

func TestNotExecutableFails(t *testing.T) {
	h := newHarness()
	f := newFake("read", KindRead, &testOwner{"dev"}, Low)
	f.executable = func() bool { return false }
	h.m.Add(f)
	h.tick()

	assert.Equal(t, Failed, f.State())
	assert.Equal(t, 0, f.executed)
}

func TestExecutionDelay(t *testing.T) {
	h := newHarness()
	f := newFake("discover", KindDiscoverServices, &testOwner{"dev"}, Medium)
	f.SetExecutionDelay(50 * time.Millisecond)
	h.m.Add(f)

	ticks := 0
	for f.State() != Executing {
		h.tick()
		ticks++
		require.Less(t, ticks, 100)
	}
	assert.Equal(t, 5, ticks)
}

func TestTxnLockPromotesOwnTask(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	txn := uuid.New()

	blocker := newFake("blocker", KindConnect, dev, Critical)
	h.m.Add(blocker)
	h.tick()
	require.Equal(t, Executing, blocker.State())

	lock := newFake("lock", KindTxnLock, dev, Medium)
	lock.txn = txn
	lock.SetTimeout(0)
	lock.interruptableBy = func(o Task) bool {
		b, ok := o.(TxnBound)
		return ok && b.TxnID() == txn && o.Owner() == dev
	}
	outsider := newFake("outsider", KindRead, dev, Medium)
	outsider.txn = uuid.New()
	mine := newFake("mine", KindWrite, dev, Low)
	mine.txn = txn

	// queued behind the blocker, so the lock is not current when they arrive
	h.m.Add(lock)
	h.m.Add(outsider)
	h.m.Add(mine)

	require.True(t, h.m.Succeed(KindConnect, dev))
	require.Equal(t, Executing, lock.State())

	h.tick()
	assert.Contains(t, lock.states, Interrupted)
	queued := h.m.Queued()
	require.Len(t, queued, 3)
	assert.Equal(t, Task(mine), queued[0])
	assert.Equal(t, Task(lock), queued[1])
	assert.Equal(t, Task(outsider), queued[2])

	h.tick()
	assert.Equal(t, Executing, mine.State())
	assert.Equal(t, 0, outsider.executed)
}

func TestAssertHandler(t *testing.T) {
	var msgs []string
	m := NewManager(nil, WithAssertHandler(func(msg string) { msgs = append(msgs, msg) }))
	assert.True(t, m.Assert(true, "fine"))
	assert.False(t, m.Assert(false, "broken"))
	assert.Equal(t, []string{"broken"}, msgs)
}

func TestStateListenerSeesEveryTransition(t *testing.T) {
	var seen []State
	h := newHarness(WithStateListener(func(_ Task, s State) { seen = append(seen, s) }))
	f := newFake("r", KindRead, &testOwner{"dev"}, Low)
	f.onExecute = succeedOnExecute
	h.m.Add(f)
	h.tick()
	assert.Equal(t, []State{Created, Queued, Armed, Executing, Succeeded}, seen)
}

// At most one task is EXECUTING at any time, checked after every tick of a random workload.
func TestMutualExclusionUnderRandomWorkload(t *testing.T) {
	h := newHarness()
	rng := rand.New(rand.NewSource(42))
	owners := []*testOwner{{"a"}, {"b"}, {"c"}}
	kinds := []Kind{KindConnect, KindDisconnect, KindRead, KindWrite, KindBond, KindDiscoverServices}
	var all []*fakeTask

	for tick := 0; tick < 3000; tick++ {
		if rng.Intn(3) == 0 {
			owner := owners[rng.Intn(len(owners))]
			f := newFake("rand", kinds[rng.Intn(len(kinds))], owner, Priority(rng.Intn(5)))
			f.SetTimeout(time.Duration(20+rng.Intn(200)) * time.Millisecond)
			lifetime := rng.Intn(30)
			switch rng.Intn(4) {
			case 0:
				f.onExecute = succeedOnExecute
			case 1:
				f.onExecute = func(f *fakeTask) { f.FailImmediately() }
			case 2:
				ticks := 0
				f.onUpdate = func(f *fakeTask) {
					ticks++
					if ticks > lifetime {
						f.Succeed()
					}
				}
			}
			if rng.Intn(5) == 0 {
				f.cancellableBy = func(o Task) bool { return o.Priority() == Critical }
			}
			if rng.Intn(5) == 0 {
				f.interruptableBy = func(o Task) bool { return o.Priority() > f.Priority() && o.Owner() == f.Owner() }
			}
			all = append(all, f)
			h.m.Add(f)
		}
		if rng.Intn(50) == 0 {
			h.m.ClearQueueOf(KindRead, owners[rng.Intn(len(owners))], -1)
		}

		h.tick()

		executing := 0
		for _, f := range all {
			if f.State() == Executing {
				executing++
			}
		}
		require.LessOrEqual(t, executing, 1, "tick %d: %s", tick, h.m)
		if cur := h.m.Current(); cur != nil {
			require.Contains(t, []State{Armed, Executing}, cur.Core().State())
		}
	}
}

func TestSoftlyCancelTasksOfOwner(t *testing.T) {
	h := newHarness()
	dev := &testOwner{"dev"}
	other := &testOwner{"other"}

	early := newFake("early", KindRead, dev, Low)
	late := newFake("late", KindRead, dev, Low)
	bond := newFake("bond", KindBond, dev, Low)
	foreign := newFake("foreign", KindRead, other, Low)
	for _, f := range []*fakeTask{early, late, bond, foreign} {
		h.m.Add(f)
	}

	h.m.SoftlyCancelTasksOf(dev, early.Ordinal())
	assert.True(t, early.WasSoftlyCancelled())
	assert.False(t, late.WasSoftlyCancelled())

	h.m.SoftlyCancelTasksOf(dev, -1)
	assert.True(t, late.WasSoftlyCancelled())
	assert.False(t, bond.WasSoftlyCancelled(), "bonding does not need a connection")
	assert.False(t, foreign.WasSoftlyCancelled())
}

// Tasks added from another goroutine while the loop ticks and ends tasks.
// Run with -race.
func TestAddFromAnotherGoroutine(t *testing.T) {
	var ended atomic.Int32
	m := NewManager(nil, WithStateListener(func(_ Task, s State) {
		if s.IsEndingState() {
			ended.Add(1)
		}
	}))
	dev := &testOwner{"dev"}
	now := time.Unix(1_700_000_000, 0)
	step := 10 * time.Millisecond

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b := NewBase(KindRead, dev, Priority(i%3))
			m.Add(&plainTask{Base: b})
		}
	}()

	tick := func() {
		now = now.Add(step)
		m.Update(step, now)
		m.Succeed(KindRead, dev)
	}
	for i := 0; i < 10*total && ended.Load() < total; i++ {
		tick()
	}
	wg.Wait()
	for i := 0; i < 2*total && !m.IsIdle(); i++ {
		tick()
	}

	assert.True(t, m.IsIdle(), m.String())
	assert.Equal(t, int32(total), ended.Load())
}

// Every dequeue waits until the manager has been idle for the pause.
func TestDelayBetweenTasks(t *testing.T) {
	h := newHarness(WithDelayBetweenTasks(25 * time.Millisecond))
	dev := &testOwner{"dev"}
	first := newFake("first", KindRead, dev, Low)
	first.onExecute = succeedOnExecute
	second := newFake("second", KindRead, dev, Low)
	second.onExecute = succeedOnExecute
	h.m.Add(first)
	h.m.Add(second)

	ticksUntilDone := func(f *fakeTask) int {
		n := 0
		for f.State() != Succeeded && n < 20 {
			h.tick()
			n++
		}
		return n
	}
	assert.Equal(t, 4, ticksUntilDone(first))
	assert.Equal(t, Queued, second.State())
	assert.Equal(t, 4, ticksUntilDone(second))
}

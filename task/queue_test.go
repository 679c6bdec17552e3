package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func names(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.(*fakeTask).name)
	}
	return out
}

func TestInsertAtSoonestPosition(t *testing.T) {
	q := NewQueue()
	dev := &testOwner{"dev"}
	q.InsertAtSoonestPosition(newFake("low1", KindRead, dev, Low))
	q.InsertAtSoonestPosition(newFake("high", KindBond, dev, High))
	q.InsertAtSoonestPosition(newFake("low2", KindRead, dev, Low))
	q.InsertAtSoonestPosition(newFake("crit", KindDisconnect, dev, Critical))
	q.InsertAtSoonestPosition(newFake("trivial", KindReadRssi, dev, Trivial))
	q.InsertAtSoonestPosition(newFake("high2", KindConnect, dev, High))

	assert.Equal(t, []string{"crit", "high", "high2", "low1", "low2", "trivial"}, names(q.Snapshot()))
}

func TestPushFrontIgnoresPriority(t *testing.T) {
	q := NewQueue()
	dev := &testOwner{"dev"}
	q.InsertAtSoonestPosition(newFake("crit", KindDisconnect, dev, Critical))
	q.PushFront(newFake("trivial", KindRead, dev, Trivial))
	q.PushBack(newFake("back", KindRead, dev, Critical))

	assert.Equal(t, []string{"trivial", "crit", "back"}, names(q.Snapshot()))
	assert.Equal(t, "trivial", q.Peek().(*fakeTask).name)
}

func TestForEachDequeue(t *testing.T) {
	q := NewQueue()
	dev := &testOwner{"dev"}
	for _, n := range []string{"a", "b", "c", "d"} {
		q.PushBack(newFake(n, KindRead, dev, Low))
	}

	found, pos := q.ForEach(func(t Task) Result {
		switch t.(*fakeTask).name {
		case "a":
			return ContinueAndDequeue
		case "c":
			return ReturnAndDequeue
		}
		return Continue
	})

	assert.Equal(t, "c", found.(*fakeTask).name)
	assert.Equal(t, 1, pos)
	assert.Equal(t, []string{"b", "d"}, names(q.Snapshot()))

	found, pos = q.ForEach(func(Task) Result { return Continue })
	assert.Nil(t, found)
	assert.Equal(t, -1, pos)
}

func TestForEachSkipsRemovedDuringWalk(t *testing.T) {
	q := NewQueue()
	dev := &testOwner{"dev"}
	a := newFake("a", KindRead, dev, Low)
	b := newFake("b", KindRead, dev, Low)
	c := newFake("c", KindRead, dev, Low)
	q.PushBack(a)
	q.PushBack(b)
	q.PushBack(c)

	var visited []string
	q.ForEach(func(t Task) Result {
		visited = append(visited, t.(*fakeTask).name)
		if t == Task(a) {
			q.Remove(b)
		}
		return Continue
	})

	assert.Equal(t, []string{"a", "c"}, visited)
	assert.False(t, q.Contains(b))
}

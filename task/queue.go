package task

// Result tells Queue.ForEach what to do after visiting a task
type Result int

const (
	Continue Result = iota
	ContinueAndDequeue
	Return
	ReturnAndDequeue
)

// Queue is the ordered list of pending tasks: priority descending, insertion
// order within a priority. It expects to hold tens of tasks, so every query is
// a linear scan.
type Queue struct {
	tasks []Task
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of queued tasks
func (q *Queue) Len() int { return len(q.tasks) }

// Peek returns the head of the queue or nil
func (q *Queue) Peek() Task {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// At returns the task at index i
func (q *Queue) At(i int) Task { return q.tasks[i] }

// Snapshot returns a copy of the queue contents
func (q *Queue) Snapshot() []Task {
	out := make([]Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// PushFront puts t ahead of everything, ignoring priority
func (q *Queue) PushFront(t Task) {
	q.tasks = append([]Task{t}, q.tasks...)
}

// PushBack appends t, ignoring priority
func (q *Queue) PushBack(t Task) {
	q.tasks = append(q.tasks, t)
}

// InsertAtSoonestPosition puts t before the first task it is more important
// than, so equal priorities keep insertion order.
func (q *Queue) InsertAtSoonestPosition(t Task) {
	if n := len(q.tasks); n > 0 && !IsMoreImportant(t, q.tasks[n-1]) {
		q.tasks = append(q.tasks, t)
		return
	}
	for i, other := range q.tasks {
		if IsMoreImportant(t, other) {
			q.tasks = append(q.tasks, nil)
			copy(q.tasks[i+1:], q.tasks[i:])
			q.tasks[i] = t
			return
		}
	}
	q.tasks = append(q.tasks, t)
}

// Contains reports whether t is queued
func (q *Queue) Contains(t Task) bool {
	return q.indexOf(t) >= 0
}

// Remove takes t out of the queue
func (q *Queue) Remove(t Task) bool {
	i := q.indexOf(t)
	if i < 0 {
		return false
	}
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	return true
}

func (q *Queue) indexOf(t Task) int {
	for i, other := range q.tasks {
		if other == t {
			return i
		}
	}
	return -1
}

// ForEach visits tasks front to back over a snapshot, skipping any task that
// left the queue during the walk, so fn may add or end tasks. It returns the
// task and position that produced Return or ReturnAndDequeue, or nil and -1.
func (q *Queue) ForEach(fn func(Task) Result) (Task, int) {
	snapshot := q.Snapshot()
	index := 0
	for _, t := range snapshot {
		if !q.Contains(t) {
			continue
		}
		switch fn(t) {
		case Return:
			return t, index
		case ReturnAndDequeue:
			q.Remove(t)
			return t, index
		case ContinueAndDequeue:
			q.Remove(t)
			continue
		}
		index++
	}
	return nil, -1
}

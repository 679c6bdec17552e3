package ble

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/state"
)

// pollEntry repeats one read on an interval
type pollEntry struct {
	op       ReadWriteType
	char     uuid.UUID
	interval time.Duration
	elapsed  time.Duration
	waiting  bool
	listener ReadWriteListener
}

// pollManager issues the periodic reads of one device. It is ticked from the
// device's update and only polls an initialized device that is not in a
// short-term reconnect.
type pollManager struct {
	dev     *Device
	entries []*pollEntry
}

func newPollManager(d *Device) *pollManager {
	return &pollManager{dev: d}
}

func (p *pollManager) find(op ReadWriteType, char uuid.UUID) int {
	for i, e := range p.entries {
		if e.op == op && e.char == char {
			return i
		}
	}
	return -1
}

// start polls char every interval, replacing the interval and listener of an
// existing poll of the same characteristic
func (p *pollManager) start(op ReadWriteType, char uuid.UUID, interval time.Duration, l ReadWriteListener) {
	if i := p.find(op, char); i >= 0 {
		e := p.entries[i]
		e.interval = interval
		e.listener = l
		return
	}
	p.entries = append(p.entries, &pollEntry{op: op, char: char, interval: interval, listener: l})
}

func (p *pollManager) stop(op ReadWriteType, char uuid.UUID) bool {
	i := p.find(op, char)
	if i < 0 {
		return false
	}
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	return true
}

func (p *pollManager) clear() { p.entries = nil }

func (p *pollManager) isPolling(op ReadWriteType, char uuid.UUID) bool {
	return p.find(op, char) >= 0
}

func (p *pollManager) update(dt time.Duration) {
	d := p.dev
	for _, e := range p.entries {
		if e.interval <= 0 {
			continue
		}
		e.elapsed += dt
		if e.elapsed < e.interval {
			continue
		}
		e.elapsed = 0
		if e.waiting || !d.Is(state.Initialized) || d.Is(state.ReconnectingShortTerm) {
			continue
		}
		p.issue(e)
	}
}

func (p *pollManager) issue(e *pollEntry) {
	d := p.dev
	t := newGattTask(d, e.op, nil, func(ev ReadWriteEvent) {
		e.waiting = false
		if e.listener != nil {
			e.listener(ev)
		}
	})
	t.char = e.char
	t.result.Char = e.char
	e.waiting = true
	d.mgr.tasks.Add(t)
}

package ble

import (
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

// radioTask is embedded by the tasks that act on the adapter itself
type radioTask struct {
	task.Base
	m *Manager
}

func newRadioTask(kind task.Kind, m *Manager) radioTask {
	t := radioTask{Base: task.NewBase(kind, m, task.Critical), m: m}
	t.SetTimeout(m.cfg.TaskTimeout(kind.ConfigKey()))
	return t
}

type turnBleOffTask struct{ radioTask }

func newTurnBleOffTask(m *Manager) *turnBleOffTask {
	return &turnBleOffTask{radioTask: newRadioTask(task.KindTurnBleOff, m)}
}

func (t *turnBleOffTask) Execute() {
	m := t.m
	if !m.radio.IsOn() {
		t.Redundant()
		return
	}
	m.setRadioState(state.Intentional, state.RadioTurningOff)
	m.onBleTurningOff()
	if !m.radio.TurnOff() {
		t.FailImmediately()
	}
}

func (t *turnBleOffTask) OnStateChange(s task.State) {
	if !s.IsEndingState() {
		return
	}
	switch s {
	case task.Succeeded, task.Redundant:
		t.m.setRadioState(state.Intentional, state.RadioOff)
	default:
		t.m.syncRadioState()
	}
}

type turnBleOnTask struct{ radioTask }

func newTurnBleOnTask(m *Manager) *turnBleOnTask {
	return &turnBleOnTask{radioTask: newRadioTask(task.KindTurnBleOn, m)}
}

func (t *turnBleOnTask) Execute() {
	m := t.m
	if m.radio.IsOn() {
		t.Redundant()
		return
	}
	m.setRadioState(state.Intentional, state.RadioTurningOn)
	if !m.radio.TurnOn() {
		t.FailImmediately()
	}
}

func (t *turnBleOnTask) OnStateChange(s task.State) {
	if !s.IsEndingState() {
		return
	}
	switch s {
	case task.Succeeded, task.Redundant:
		t.m.setRadioState(state.Intentional, state.RadioOn)
	default:
		t.m.syncRadioState()
	}
}

// crashResolverTask power-cycles the adapter and succeeds once it is back on
type crashResolverTask struct {
	radioTask
	sawOff bool
}

func newCrashResolverTask(m *Manager) *crashResolverTask {
	return &crashResolverTask{radioTask: newRadioTask(task.KindCrashResolver, m)}
}

func (t *crashResolverTask) Execute() {
	m := t.m
	m.tracker.Update(state.Intentional, -1, state.On(state.RadioResetting))
	if m.radio.IsOn() {
		m.setRadioState(state.Intentional, state.RadioTurningOff)
		m.onBleTurningOff()
	}
	if !m.radio.Reset() {
		t.FailImmediately()
	}
}

func (t *crashResolverTask) OnStateChange(s task.State) {
	if !s.IsEndingState() {
		return
	}
	t.m.tracker.Update(state.Intentional, -1, state.Off(state.RadioResetting))
	t.m.syncRadioState()
}

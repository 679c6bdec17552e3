package ble

import (
	"strings"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

// nativeCallbacks hands every radio callback to the update loop
type nativeCallbacks struct {
	m *Manager
}

var _ radio.Callbacks = nativeCallbacks{}

func (n nativeCallbacks) OnConnectionStateChange(addr string, status int, cs radio.ConnState) {
	n.m.Post(func() { n.m.onNativeConnectionState(addr, status, cs) })
}

func (n nativeCallbacks) OnServicesDiscovered(addr string, status int) {
	n.m.Post(func() { n.m.onNativeServicesDiscovered(addr, status) })
}

func (n nativeCallbacks) OnCharacteristicRead(addr string, char uuid.UUID, value []byte, status int) {
	value = append([]byte(nil), value...)
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindRead, status, func(t *gattTask) bool {
			if t.char != char {
				return false
			}
			t.result.Data = value
			return true
		})
	})
}

func (n nativeCallbacks) OnCharacteristicWrite(addr string, char uuid.UUID, status int) {
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindWrite, status, func(t *gattTask) bool {
			return t.char == char
		})
	})
}

func (n nativeCallbacks) OnReadRemoteRssi(addr string, rssi, status int) {
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindReadRssi, status, func(t *gattTask) bool {
			t.result.Rssi = rssi
			return true
		})
	})
}

func (n nativeCallbacks) OnMtuChanged(addr string, mtu, status int) {
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindRequestMtu, status, func(t *gattTask) bool {
			t.result.Mtu = mtu
			return true
		})
	})
}

func (n nativeCallbacks) OnPhyUpdate(addr string, p radio.Phy, status int) {
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindSetPhy, status, func(t *gattTask) bool {
			t.result.Phy = p
			return true
		})
	})
}

func (n nativeCallbacks) OnDescriptorRead(addr string, char, desc uuid.UUID, value []byte, status int) {
	value = append([]byte(nil), value...)
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, task.KindReadDescriptor, status, func(t *gattTask) bool {
			if !t.matches(char, desc) {
				return false
			}
			t.result.Data = value
			return true
		})
	})
}

// OnDescriptorWrite also ends notification toggles, which the stack
// reports as a write to the CCCD
func (n nativeCallbacks) OnDescriptorWrite(addr string, char, desc uuid.UUID, status int) {
	kind := task.KindWriteDescriptor
	if desc == radio.CCCD {
		kind |= task.KindToggleNotify
	}
	n.m.Post(func() {
		n.m.onNativeGattResult(addr, kind, status, func(t *gattTask) bool {
			return t.matches(char, desc)
		})
	})
}

func (n nativeCallbacks) OnCharacteristicChanged(addr string, char uuid.UUID, value []byte) {
	value = append([]byte(nil), value...)
	n.m.Post(func() {
		if d, ok := n.m.lookup(addr); ok {
			d.onNotification(char, value)
		}
	})
}

func (n nativeCallbacks) OnBondStateChanged(addr string, prev, next radio.BondState, reason int) {
	n.m.Post(func() {
		if d, ok := n.m.lookup(addr); ok {
			d.onNativeBondStateChanged(prev, next, reason)
		}
	})
}

func (n nativeCallbacks) OnRadioStateChanged(on bool) {
	n.m.Post(func() { n.m.onNativeRadioState(on) })
}

func normalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

func (m *Manager) onNativeConnectionState(addr string, status int, cs radio.ConnState) {
	d, ok := m.lookup(addr)
	if !ok {
		if cs != radio.Connected || status != radio.GattSuccess {
			m.log.Debug("ignoring %s for unknown device %s", cs, addr)
			return
		}
		// a connection nobody asked for, usually an auto-connect left over
		// from a previous session
		d = m.onDiscoveredFromRogueAutoConnect(addr)
	}
	d.log.Debug("native connection state %s status %s", cs, radio.StatusName(status))
	d.cm.onNativeConnectionState(status, cs)
}

func (m *Manager) onNativeServicesDiscovered(addr string, status int) {
	d, ok := m.lookup(addr)
	if !ok {
		return
	}
	t, ok := m.tasks.GetCurrent(task.KindDiscoverServices, d).(*discoverServicesTask)
	if !ok {
		d.log.Debug("services discovered with no discovery running")
		return
	}
	t.gattStatus = status
	if status == radio.GattSuccess {
		t.Succeed()
	} else {
		t.Fail()
	}
}

// onNativeGattResult completes the current GATT task of kind on addr when
// match accepts it
func (m *Manager) onNativeGattResult(addr string, kind task.Kind, status int, match func(*gattTask) bool) {
	d, ok := m.lookup(addr)
	if !ok {
		return
	}
	t, ok := m.tasks.GetCurrent(kind, d).(*gattTask)
	if !ok || !match(t) {
		d.log.Debug("%s result with no matching task", kind)
		return
	}
	t.complete(status)
}

func (m *Manager) onNativeRadioState(on bool) {
	tm := m.tasks
	cr, resetting := tm.GetCurrent(task.KindCrashResolver, m).(*crashResolverTask)

	if on {
		switch {
		case tm.Succeed(task.KindTurnBleOn, m):
		case resetting && cr.sawOff:
			cr.Succeed()
		default:
			m.setRadioState(state.Unintentional, state.RadioOn)
		}
		return
	}

	switch {
	case tm.Succeed(task.KindTurnBleOff, m):
	case resetting:
		cr.sawOff = true
		m.setRadioState(state.Intentional, state.RadioOff)
	default:
		// the adapter went away under us
		m.log.Warn("radio turned off unexpectedly")
		tm.End(task.KindRequiresBleOn, nil, task.Cancelled)
		m.onBleTurningOff()
		m.setRadioState(state.Unintentional, state.RadioOff)
	}
}

package bluez

import (
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/radio"
)

func (r *Radio) signalLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			r.handleSignal(sig)
		}
	}
}

func (r *Radio) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case adapterIface:
			if sig.Path == r.adapter {
				r.onAdapterChanged(changed)
			}
		case deviceIface:
			if addr, ok := addressFromPath(sig.Path); ok && isDevicePath(sig.Path) {
				r.onDeviceChanged(addr, decodeDeviceProps(changed))
			}
		case charIface:
			r.onCharacteristicChanged(sig.Path, changed)
		}
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 1 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		if addr, ok := addressFromPath(path); ok && isDevicePath(path) {
			r.log.Debug("bluez: device object added for %s", addr)
		}
	}
}

func (r *Radio) onAdapterChanged(changed map[string]dbus.Variant) {
	on, ok := boolProp(changed, "Powered")
	if !ok {
		return
	}
	r.mu.Lock()
	was := r.on
	r.on = on
	if !on {
		for addr := range r.conns {
			r.conns[addr] = radio.Disconnected
		}
	}
	r.mu.Unlock()
	if was != on {
		r.cb.OnRadioStateChanged(on)
	}
}

func (r *Radio) onDeviceChanged(addr string, d deviceDelta) {
	if d.connected != nil {
		r.mu.Lock()
		prev := r.conns[addr]
		next := radio.Disconnected
		if *d.connected {
			next = radio.Connected
		} else {
			r.resolved[addr] = false
			for _, p := range r.chars[addr] {
				delete(r.notifying, p)
			}
			delete(r.chars, addr)
			delete(r.descs, addr)
		}
		r.conns[addr] = next
		r.mu.Unlock()

		if prev != next {
			status := radio.GattSuccess
			if next == radio.Disconnected && prev != radio.Disconnecting {
				status = radio.LinkLoss
			}
			r.cb.OnConnectionStateChange(addr, status, next)
		}
	}

	if d.resolved != nil {
		r.mu.Lock()
		was := r.resolved[addr]
		r.resolved[addr] = *d.resolved
		r.mu.Unlock()
		if *d.resolved && !was {
			r.cb.OnServicesDiscovered(addr, r.indexCharacteristics(addr))
		}
	}

	if d.paired != nil {
		r.mu.Lock()
		prev := r.bonds[addr]
		next := radio.BondNone
		if *d.paired {
			next = radio.BondBonded
		}
		r.bonds[addr] = next
		r.mu.Unlock()
		if prev != next {
			r.cb.OnBondStateChanged(addr, prev, next, radio.GattSuccess)
		}
	}

	if d.rssi != nil {
		r.cb.OnReadRemoteRssi(addr, int(*d.rssi), radio.GattSuccess)
	}
}

// onCharacteristicChanged forwards Value updates of characteristics with
// notifications on. BlueZ also updates Value after a plain read, which is
// not a notification.
func (r *Radio) onCharacteristicChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	raw, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := raw.Value().([]byte)
	if !ok {
		return
	}
	addr, ok := addressFromPath(path)
	if !ok {
		return
	}
	r.mu.Lock()
	on := r.notifying[path]
	var char uuid.UUID
	found := false
	for id, p := range r.chars[addr] {
		if p == path {
			char, found = id, true
			break
		}
	}
	r.mu.Unlock()
	if on && found {
		r.cb.OnCharacteristicChanged(addr, char, value)
	}
}

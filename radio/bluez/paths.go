package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	service = "org.bluez"

	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	charIface    = "org.bluez.GattCharacteristic1"
	descIface    = "org.bluez.GattDescriptor1"

	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func adapterPath(name string) dbus.ObjectPath {
	if name == "" {
		name = "hci0"
	}
	return dbus.ObjectPath("/org/bluez/" + name)
}

// devicePath maps AA:BB:CC:DD:EE:FF under an adapter to .../dev_AA_BB_CC_DD_EE_FF
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	mac := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(addr), ":", "_"))
	return dbus.ObjectPath(string(adapter) + "/dev_" + mac)
}

// addressFromPath is the inverse of devicePath. Paths below a device, such as
// its services and characteristics, resolve to the device's address.
func addressFromPath(p dbus.ObjectPath) (string, bool) {
	s := string(p)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return "", false
	}
	s = s[i+len("/dev_"):]
	if j := strings.IndexByte(s, '/'); j >= 0 {
		s = s[:j]
	}
	if len(s) != 17 {
		return "", false
	}
	return strings.ToUpper(strings.ReplaceAll(s, "_", ":")), true
}

// isDevicePath reports whether p names a device itself rather than one of its children
func isDevicePath(p dbus.ObjectPath) bool {
	s := string(p)
	i := strings.LastIndex(s, "/")
	return i >= 0 && strings.HasPrefix(s[i+1:], "dev_")
}

// characteristics collects the characteristic paths under dev, keyed by UUID
func characteristics(objs managedObjects, dev dbus.ObjectPath) map[uuid.UUID]dbus.ObjectPath {
	out := map[uuid.UUID]dbus.ObjectPath{}
	prefix := string(dev) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if id, ok := uuidProp(ifaces[charIface]); ok {
			out[id] = path
		}
	}
	return out
}

// descKey names a descriptor by its characteristic and its own UUID
type descKey struct {
	char, desc uuid.UUID
}

// descriptors collects the descriptor paths under dev. Descriptors of a
// characteristic missing from chars are skipped.
func descriptors(objs managedObjects, dev dbus.ObjectPath, chars map[uuid.UUID]dbus.ObjectPath) map[descKey]dbus.ObjectPath {
	byPath := make(map[dbus.ObjectPath]uuid.UUID, len(chars))
	for id, p := range chars {
		byPath[p] = id
	}
	out := map[descKey]dbus.ObjectPath{}
	prefix := string(dev) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[descIface]
		if !ok {
			continue
		}
		id, ok := uuidProp(props)
		if !ok {
			continue
		}
		owner, _ := props["Characteristic"].Value().(dbus.ObjectPath)
		char, ok := byPath[owner]
		if !ok {
			continue
		}
		out[descKey{char: char, desc: id}] = path
	}
	return out
}

func uuidProp(props map[string]dbus.Variant) (uuid.UUID, bool) {
	v, ok := props["UUID"]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := v.Value().(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}

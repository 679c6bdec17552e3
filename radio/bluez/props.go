package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/davidroman0O/blelink/radio"
)

// deviceDelta is the part of a Device1 PropertiesChanged signal the radio acts on
type deviceDelta struct {
	connected *bool
	resolved  *bool
	paired    *bool
	rssi      *int16
}

func decodeDeviceProps(changed map[string]dbus.Variant) deviceDelta {
	var d deviceDelta
	if v, ok := boolProp(changed, "Connected"); ok {
		d.connected = &v
	}
	if v, ok := boolProp(changed, "ServicesResolved"); ok {
		d.resolved = &v
	}
	if v, ok := boolProp(changed, "Paired"); ok {
		d.paired = &v
	}
	if raw, ok := changed["RSSI"]; ok {
		if v, ok := raw.Value().(int16); ok {
			d.rssi = &v
		}
	}
	return d
}

func boolProp(props map[string]dbus.Variant, name string) (bool, bool) {
	raw, ok := props[name]
	if !ok {
		return false, false
	}
	v, ok := raw.Value().(bool)
	return v, ok
}

// statusFromError maps a BlueZ method error onto the native status the core expects
func statusFromError(err error) int {
	if err == nil {
		return radio.GattSuccess
	}
	var name, msg string
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &dep):
		name = dep.Name
		msg = dbusMessage(*dep)
	case errors.As(err, &de):
		name = de.Name
		msg = dbusMessage(de)
	default:
		msg = err.Error()
	}

	switch {
	case strings.HasSuffix(name, ".AuthenticationFailed"),
		strings.HasSuffix(name, ".AuthenticationRejected"),
		strings.HasSuffix(name, ".NotAuthorized"):
		return radio.GattInsufficientAuthentication
	case strings.Contains(msg, "abort-by-local"):
		return radio.ConnTerminateLocalHost
	case strings.Contains(msg, "abort-by-remote"):
		return radio.ConnTerminatePeerUser
	case name == "org.freedesktop.DBus.Error.NoReply",
		strings.HasSuffix(name, ".Timeout"),
		strings.HasSuffix(name, ".InProgress"):
		return radio.GattError
	default:
		return radio.GattFailure
	}
}

func dbusMessage(e dbus.Error) string {
	if len(e.Body) == 0 {
		return ""
	}
	s, _ := e.Body[0].(string)
	return s
}

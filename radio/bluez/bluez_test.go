package bluez

import (
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/radio"
)

const hci0 = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePathRoundTrip(t *testing.T) {
	p := devicePath(hci0, "aa:bb:cc:dd:ee:01")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01"), p)
	assert.True(t, isDevicePath(p))

	addr, ok := addressFromPath(p)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", addr)

	addr, ok = addressFromPath(p + "/service000a/char000b")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", addr)
	assert.False(t, isDevicePath(p+"/service000a"))

	_, ok = addressFromPath(hci0)
	assert.False(t, ok)
	_, ok = addressFromPath("/org/bluez/hci0/dev_AA_BB")
	assert.False(t, ok)

	assert.Equal(t, hci0, adapterPath(""))
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), adapterPath("hci1"))
}

func TestCharacteristicsIndex(t *testing.T) {
	dev := devicePath(hci0, "AA:BB:CC:DD:EE:01")
	other := devicePath(hci0, "AA:BB:CC:DD:EE:02")
	battery := uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")

	objs := managedObjects{
		dev: {deviceIface: {"Connected": dbus.MakeVariant(true)}},
		dev + "/service000a/char000b": {
			charIface: {"UUID": dbus.MakeVariant(battery.String())},
		},
		dev + "/service000a/char000d": {
			charIface: {"UUID": dbus.MakeVariant("not-a-uuid")},
		},
		other + "/service000a/char000b": {
			charIface: {"UUID": dbus.MakeVariant(uuid.NewString())},
		},
	}

	got := characteristics(objs, dev)
	assert.Equal(t, map[uuid.UUID]dbus.ObjectPath{battery: dev + "/service000a/char000b"}, got)
}

func TestDescriptorsIndex(t *testing.T) {
	dev := devicePath(hci0, "AA:BB:CC:DD:EE:01")
	battery := uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	charPath := dev + "/service000a/char000b"

	objs := managedObjects{
		charPath: {charIface: {"UUID": dbus.MakeVariant(battery.String())}},
		charPath + "/desc000c": {
			descIface: {
				"UUID":           dbus.MakeVariant(radio.CCCD.String()),
				"Characteristic": dbus.MakeVariant(charPath),
			},
		},
		dev + "/service000a/char000f/desc0010": {
			descIface: {
				"UUID":           dbus.MakeVariant(radio.CCCD.String()),
				"Characteristic": dbus.MakeVariant(dev + "/service000a/char000f"),
			},
		},
	}

	chars := characteristics(objs, dev)
	got := descriptors(objs, dev, chars)
	assert.Equal(t, map[descKey]dbus.ObjectPath{
		{char: battery, desc: radio.CCCD}: charPath + "/desc000c",
	}, got)
}

func TestStatusFromError(t *testing.T) {
	dbusErr := func(name, msg string) error {
		return dbus.Error{Name: name, Body: []interface{}{msg}}
	}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, radio.GattSuccess},
		{"auth failed", dbusErr("org.bluez.Error.AuthenticationFailed", ""), radio.GattInsufficientAuthentication},
		{"not authorized", &dbus.Error{Name: "org.bluez.Error.NotAuthorized"}, radio.GattInsufficientAuthentication},
		{"local abort", dbusErr("org.bluez.Error.Failed", "le-connection-abort-by-local"), radio.ConnTerminateLocalHost},
		{"remote abort", dbusErr("org.bluez.Error.Failed", "le-connection-abort-by-remote"), radio.ConnTerminatePeerUser},
		{"no reply", dbusErr("org.freedesktop.DBus.Error.NoReply", "timeout"), radio.GattError},
		{"in progress", dbusErr("org.bluez.Error.InProgress", ""), radio.GattError},
		{"wrapped", fmt.Errorf("call: %w", dbusErr("org.bluez.Error.AuthenticationRejected", "")), radio.GattInsufficientAuthentication},
		{"plain", fmt.Errorf("broken pipe"), radio.GattFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFromError(tt.err))
		})
	}
}

type recorder struct {
	conns   []string
	bonds   []string
	radios  []bool
	rssi    []int
	changed []string
}

func (c *recorder) OnConnectionStateChange(addr string, status int, s radio.ConnState) {
	c.conns = append(c.conns, fmt.Sprintf("%s %s %s", addr, radio.StatusName(status), s))
}

func (c *recorder) OnServicesDiscovered(string, int) {}

func (c *recorder) OnCharacteristicRead(string, uuid.UUID, []byte, int) {}

func (c *recorder) OnCharacteristicWrite(string, uuid.UUID, int) {}

func (c *recorder) OnReadRemoteRssi(_ string, rssi, _ int) {
	c.rssi = append(c.rssi, rssi)
}

func (c *recorder) OnMtuChanged(string, int, int) {}

func (c *recorder) OnPhyUpdate(string, radio.Phy, int) {}

func (c *recorder) OnDescriptorRead(string, uuid.UUID, uuid.UUID, []byte, int) {}

func (c *recorder) OnDescriptorWrite(string, uuid.UUID, uuid.UUID, int) {}

func (c *recorder) OnCharacteristicChanged(addr string, char uuid.UUID, value []byte) {
	c.changed = append(c.changed, fmt.Sprintf("%s %s %x", addr, char, value))
}

func (c *recorder) OnRadioStateChanged(on bool) {
	c.radios = append(c.radios, on)
}

func (c *recorder) OnBondStateChanged(addr string, prev, next radio.BondState, _ int) {
	c.bonds = append(c.bonds, fmt.Sprintf("%s %s>%s", addr, prev, next))
}

func propsChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestSignalsUpdateCachedState(t *testing.T) {
	r := New(config.RadioConfig{Adapter: "hci0"})
	rec := &recorder{}
	r.cb = rec
	addr := "AA:BB:CC:DD:EE:01"
	dev := devicePath(hci0, addr)

	r.handleSignal(propsChanged(hci0, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}))
	assert.True(t, r.IsOn())

	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{
		"Connected": dbus.MakeVariant(true),
		"RSSI":      dbus.MakeVariant(int16(-61)),
	}))
	assert.Equal(t, radio.Connected, r.ConnectionState(addr))

	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)}))
	assert.Equal(t, radio.BondBonded, r.BondState(addr))

	// a drop the radio did not ask for is a link loss
	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	assert.Equal(t, radio.Disconnected, r.ConnectionState(addr))

	r.setConn(addr, radio.Disconnecting)
	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))

	r.handleSignal(propsChanged(hci0, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	assert.False(t, r.IsOn())

	// a repeated value and a foreign path are ignored
	r.handleSignal(propsChanged(hci0, adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}))
	r.handleSignal(propsChanged("/org/bluez/hci1", adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}))

	assert.Equal(t, []bool{true, false}, rec.radios)
	assert.Equal(t, []string{
		addr + " GATT_SUCCESS CONNECTED",
		addr + " LINK_LOSS DISCONNECTED",
		addr + " GATT_SUCCESS DISCONNECTED",
	}, rec.conns)
	assert.Equal(t, []string{addr + " NONE>BONDED"}, rec.bonds)
	assert.Equal(t, []int{-61}, rec.rssi)
}

func TestOperationsRefusedBeforeStart(t *testing.T) {
	r := New(config.RadioConfig{})
	r.cb = &recorder{}
	addr := "AA:BB:CC:DD:EE:01"

	assert.False(t, r.Connect(addr, false))
	assert.Equal(t, radio.Disconnected, r.ConnectionState(addr))
	assert.False(t, r.Disconnect(addr))
	assert.False(t, r.Read(addr, uuid.New()))
	assert.False(t, r.Write(addr, uuid.New(), []byte{1}))
	assert.False(t, r.RequestMtu(addr, 247))
	assert.False(t, r.SetPhy(addr, radio.PhyHighSpeed))
	assert.False(t, r.ReadDescriptor(addr, uuid.New(), radio.CCCD))
	assert.False(t, r.WriteDescriptor(addr, uuid.New(), radio.CCCD, []byte{1, 0}))
	assert.False(t, r.SetNotify(addr, uuid.New(), true))
	assert.False(t, r.RequestConnectionPriority(addr, radio.PriorityHigh))
	assert.False(t, r.RefreshGatt(addr))
	assert.False(t, r.TurnOn())
	assert.NoError(t, r.Close())
}

func TestValueChangesOnlyForwardedWhileNotifying(t *testing.T) {
	r := New(config.RadioConfig{Adapter: "hci0"})
	rec := &recorder{}
	r.cb = rec
	addr := "AA:BB:CC:DD:EE:01"
	dev := devicePath(hci0, addr)
	battery := uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	charPath := dev + "/service000a/char000b"
	r.chars[addr] = map[uuid.UUID]dbus.ObjectPath{battery: charPath}

	value := map[string]dbus.Variant{"Value": dbus.MakeVariant([]byte{0x42})}
	r.handleSignal(propsChanged(charPath, charIface, value))
	assert.Empty(t, rec.changed, "a read updates Value too")

	r.notifying[charPath] = true
	r.handleSignal(propsChanged(charPath, charIface, value))
	assert.Equal(t, []string{addr + " " + battery.String() + " 42"}, rec.changed)

	// a dropped link forgets notification state
	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	r.handleSignal(propsChanged(dev, deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	assert.Empty(t, r.notifying)
	r.handleSignal(propsChanged(charPath, charIface, value))
	assert.Len(t, rec.changed, 1)
}

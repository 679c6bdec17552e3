package state

import "fmt"

// DeviceState is one flag of a device's state set. The order is the bit order.
type DeviceState int

const (
	AttemptingConnectionFix DeviceState = iota
	Null
	Undiscovered
	ReconnectingLongTerm
	ReconnectingShortTerm
	RetryingBleConnection
	Discovered
	Advertising
	BleDisconnected
	Unbonded
	Bonding
	Bonded
	ConnectingOverall
	Disconnected
	Connecting
	Connected
	RequestingPhy
	BleConnecting
	BleConnected
	DiscoveringServices
	ServicesDiscovered
	Authenticating
	Authenticated
	Initializing
	Initialized
	PerformingOta
	HighSpeed
	LongRange2x
	LongRange4x

	deviceStateCount
)

var deviceStateNames = [...]string{
	"ATTEMPTING_CONNECTION_FIX",
	"NULL",
	"UNDISCOVERED",
	"RECONNECTING_LONG_TERM",
	"RECONNECTING_SHORT_TERM",
	"RETRYING_BLE_CONNECTION",
	"DISCOVERED",
	"ADVERTISING",
	"BLE_DISCONNECTED",
	"UNBONDED",
	"BONDING",
	"BONDED",
	"CONNECTING_OVERALL",
	"DISCONNECTED",
	"CONNECTING",
	"CONNECTED",
	"REQUESTING_PHY",
	"BLE_CONNECTING",
	"BLE_CONNECTED",
	"DISCOVERING_SERVICES",
	"SERVICES_DISCOVERED",
	"AUTHENTICATING",
	"AUTHENTICATED",
	"INITIALIZING",
	"INITIALIZED",
	"PERFORMING_OTA",
	"HIGH_SPEED",
	"LONG_RANGE_2X",
	"LONG_RANGE_4X",
}

func (s DeviceState) String() string {
	if s >= 0 && s < deviceStateCount {
		return deviceStateNames[s]
	}
	return fmt.Sprintf("DeviceState(%d)", int(s))
}

// AllDeviceStates lists every device state in bit order
func AllDeviceStates() []DeviceState {
	out := make([]DeviceState, deviceStateCount)
	for i := range out {
		out[i] = DeviceState(i)
	}
	return out
}

// ConnectionOrdinal ranks the connection phases; -1 for states outside the ladder
func (s DeviceState) ConnectionOrdinal() int {
	switch s {
	case BleConnecting:
		return 0
	case DiscoveringServices:
		return 1
	case Authenticating:
		return 2
	case Bonding:
		return 3
	case Initializing:
		return 4
	default:
		return -1
	}
}

// Device state groups
var (
	// SimpleConnectionGroup always holds exactly one member
	SimpleConnectionGroup = Group[DeviceState]{
		Members:    []DeviceState{Disconnected, Connecting, Connected},
		Default:    Disconnected,
		HasDefault: true,
	}
	NativeConnectionGroup = Group[DeviceState]{
		Members: []DeviceState{BleDisconnected, BleConnecting, BleConnected},
	}
	BondGroup = Group[DeviceState]{
		Members: []DeviceState{Unbonded, Bonding, Bonded},
	}
	PhyGroup = Group[DeviceState]{
		Members: []DeviceState{HighSpeed, LongRange2x, LongRange4x},
	}

	DeviceGroups = []Group[DeviceState]{SimpleConnectionGroup, NativeConnectionGroup, BondGroup, PhyGroup}
)

var (
	// DefaultTrackedStates are the states device listeners hear about unless configured otherwise
	DefaultTrackedStates = MaskOf(Disconnected, Connecting, Connected, Unbonded, Bonding, Bonded)

	// PurgeableMask is the set of states a device may be in and still be purged from the cache
	PurgeableMask = MaskOf(Discovered, BleDisconnected, Unbonded, Bonding, Bonded, Advertising, Disconnected)

	// FullDeviceMask covers every device state
	FullDeviceMask = Mask(1)<<uint(deviceStateCount) - 1
)

// TransitoryConnectionState returns the phase a connecting device is currently in, or Null
func TransitoryConnectionState(m Mask) DeviceState {
	if Has(m, BleConnected) {
		switch {
		case Has(m, Initializing):
			return Initializing
		case Has(m, Bonding):
			return Bonding
		case Has(m, Authenticating):
			return Authenticating
		case Has(m, DiscoveringServices):
			return DiscoveringServices
		}
	} else {
		switch {
		case Has(m, Bonding):
			return Bonding
		case Has(m, BleConnecting):
			return BleConnecting
		}
	}

	if Has(m, ConnectingOverall) {
		return ConnectingOverall
	}
	return Null
}

// FormatDevice renders a device mask
func FormatDevice(m Mask) string {
	return FormatMask[DeviceState](m, int(deviceStateCount))
}

// DeviceTracker is the state tracker of one device
type DeviceTracker = Tracker[DeviceState]

// NewDeviceTracker builds a tracker over the device state set with exclusive groups enforced
func NewDeviceTracker(onChange func(Change), opts ...Option) *DeviceTracker {
	return NewTracker[DeviceState](int(deviceStateCount), DeviceGroups, onChange, opts...)
}

// Package radio defines the native BLE layer the connection core drives.
//
// Every method that starts a native operation returns false when the stack
// refused it; true means a callback will follow (or never arrive, which the
// core treats as a timeout). Callbacks may arrive on any goroutine.
package radio

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Native status codes reported with callbacks
const (
	StatusNotApplicable            = -1
	GattSuccess                    = 0
	GattInsufficientAuthentication = 5
	LinkLoss                       = 8
	ConnTerminatePeerUser          = 19
	ConnTerminateLocalHost         = 22
	GattError                      = 133
	GattFailure                    = 257
)

// StatusName renders a native status for logs
func StatusName(status int) string {
	switch status {
	case StatusNotApplicable:
		return "NOT_APPLICABLE"
	case GattSuccess:
		return "GATT_SUCCESS"
	case GattInsufficientAuthentication:
		return "GATT_INSUFFICIENT_AUTHENTICATION"
	case LinkLoss:
		return "LINK_LOSS"
	case ConnTerminatePeerUser:
		return "CONN_TERMINATE_PEER_USER"
	case ConnTerminateLocalHost:
		return "CONN_TERMINATE_LOCAL_HOST"
	case GattError:
		return "GATT_ERROR"
	case GattFailure:
		return "GATT_FAILURE"
	default:
		return fmt.Sprintf("STATUS_%d", status)
	}
}

// ConnState is the native link state of a peer
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// BondState is the native pairing state of a peer
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "NONE"
	case BondBonding:
		return "BONDING"
	case BondBonded:
		return "BONDED"
	default:
		return fmt.Sprintf("BondState(%d)", int(s))
	}
}

// Phy is the physical layer option of a link
type Phy int

const (
	PhyDefault Phy = iota
	PhyHighSpeed
	PhyLongRange2x
	PhyLongRange4x
)

func (p Phy) String() string {
	switch p {
	case PhyDefault:
		return "DEFAULT"
	case PhyHighSpeed:
		return "HIGH_SPEED"
	case PhyLongRange2x:
		return "LONG_RANGE_2X"
	case PhyLongRange4x:
		return "LONG_RANGE_4X"
	default:
		return fmt.Sprintf("Phy(%d)", int(p))
	}
}

// ConnectionPriority trades link latency against power
type ConnectionPriority int

const (
	PriorityBalanced ConnectionPriority = iota
	PriorityHigh
	PriorityLowPower
)

func (p ConnectionPriority) String() string {
	switch p {
	case PriorityBalanced:
		return "BALANCED"
	case PriorityHigh:
		return "HIGH"
	case PriorityLowPower:
		return "LOW_POWER"
	default:
		return fmt.Sprintf("ConnectionPriority(%d)", int(p))
	}
}

// CCCD is the client characteristic configuration descriptor. Enabling or
// disabling notifications is reported as a write to it.
var CCCD = uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb")

// Radio is the native stack
type Radio interface {
	Start(cb Callbacks) error
	Close() error

	IsOn() bool
	TurnOff() bool
	TurnOn() bool
	Reset() bool

	Connect(addr string, autoConnect bool) bool
	Disconnect(addr string) bool
	ConnectionState(addr string) ConnState
	BondState(addr string) BondState

	RefreshGatt(addr string) bool
	DiscoverServices(addr string) bool
	Read(addr string, char uuid.UUID) bool
	Write(addr string, char uuid.UUID, data []byte) bool
	ReadRssi(addr string) bool
	RequestMtu(addr string, mtu int) bool
	SetPhy(addr string, p Phy) bool
	ReadDescriptor(addr string, char, desc uuid.UUID) bool
	WriteDescriptor(addr string, char, desc uuid.UUID, data []byte) bool
	SetNotify(addr string, char uuid.UUID, enable bool) bool
	// RequestConnectionPriority has no callback; acceptance is all the stack reports
	RequestConnectionPriority(addr string, p ConnectionPriority) bool
	CreateBond(addr string) bool
	RemoveBond(addr string) bool
}

// Callbacks receives native events
type Callbacks interface {
	OnConnectionStateChange(addr string, status int, state ConnState)
	OnServicesDiscovered(addr string, status int)
	OnCharacteristicRead(addr string, char uuid.UUID, value []byte, status int)
	OnCharacteristicWrite(addr string, char uuid.UUID, status int)
	OnReadRemoteRssi(addr string, rssi, status int)
	OnMtuChanged(addr string, mtu, status int)
	OnPhyUpdate(addr string, p Phy, status int)
	OnDescriptorRead(addr string, char, desc uuid.UUID, value []byte, status int)
	OnDescriptorWrite(addr string, char, desc uuid.UUID, status int)
	OnCharacteristicChanged(addr string, char uuid.UUID, value []byte)
	OnBondStateChanged(addr string, prev, next BondState, reason int)
	OnRadioStateChanged(on bool)
}

// Ticker is implemented by radios that deliver their callbacks from the
// update loop instead of their own goroutines. The loop calls Tick first
// on every update.
type Ticker interface {
	Tick(now time.Time)
}

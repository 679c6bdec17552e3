package ble

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
)

// Event is anything the manager broadcasts to subscribers
type Event interface {
	EventType() string
	Address() string
}

// Status is the reason a connection attempt failed
type Status int

const (
	StatusNull Status = iota
	StatusAlreadyConnectingOrConnected
	StatusNullDevice
	StatusNativeConnectionFailed
	StatusDiscoveringServicesFailed
	StatusBondingFailed
	StatusAuthenticationFailed
	StatusInitializationFailed
	StatusRogueDisconnect
	StatusImplicitDisconnect
	StatusExplicitDisconnect
	StatusBleTurningOff
)

var statusNames = [...]string{
	"NULL",
	"ALREADY_CONNECTING_OR_CONNECTED",
	"NULL_DEVICE",
	"NATIVE_CONNECTION_FAILED",
	"DISCOVERING_SERVICES_FAILED",
	"BONDING_FAILED",
	"AUTHENTICATION_FAILED",
	"INITIALIZATION_FAILED",
	"ROGUE_DISCONNECT",
	"IMPLICIT_DISCONNECT",
	"EXPLICIT_DISCONNECT",
	"BLE_TURNING_OFF",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// WasCancelled reports whether the attempt ended because of the application or the radio going down
func (s Status) WasCancelled() bool {
	return s == StatusExplicitDisconnect || s == StatusBleTurningOff
}

// AllowsRetry reports whether a retry policy may retry after s
func (s Status) AllowsRetry() bool {
	return !s.WasCancelled() && s != StatusAlreadyConnectingOrConnected
}

// Timing tells when in the attempt a failure happened
type Timing int

const (
	TimingNotApplicable Timing = iota
	TimingImmediately
	TimingEventually
	TimingTimedOut
)

func (t Timing) String() string {
	switch t {
	case TimingImmediately:
		return "IMMEDIATELY"
	case TimingEventually:
		return "EVENTUALLY"
	case TimingTimedOut:
		return "TIMED_OUT"
	default:
		return "NOT_APPLICABLE"
	}
}

// AutoConnectUsage records whether the native connect asked for auto-connect
type AutoConnectUsage int

const (
	AutoConnectUnknown AutoConnectUsage = iota
	AutoConnectUsed
	AutoConnectNotUsed
	AutoConnectNotApplicable
)

func (u AutoConnectUsage) String() string {
	switch u {
	case AutoConnectUsed:
		return "USED"
	case AutoConnectNotUsed:
		return "NOT_USED"
	case AutoConnectNotApplicable:
		return "NOT_APPLICABLE"
	default:
		return "UNKNOWN"
	}
}

// ConnectFailEvent describes one failed connection attempt
type ConnectFailEvent struct {
	Device              *Device
	Status              Status
	Timing              Timing
	GattStatus          int
	HighestStateReached state.DeviceState
	AutoConnectUsage    AutoConnectUsage
	// FailureCount is the number of failures in the current attempt window, this one included
	FailureCount     int
	AttemptTime      time.Duration
	TotalAttemptTime time.Duration
	At               time.Time
}

// NullConnectFailEvent is returned by Connect when the request was queued
func NullConnectFailEvent(d *Device) ConnectFailEvent {
	return ConnectFailEvent{
		Device:              d,
		Status:              StatusNull,
		GattStatus:          radio.StatusNotApplicable,
		HighestStateReached: state.Null,
	}
}

// IsNull reports whether the event carries no failure
func (e ConnectFailEvent) IsNull() bool { return e.Status == StatusNull }

// WasCancelled reports whether the failure came from a cancellation
func (e ConnectFailEvent) WasCancelled() bool { return e.Status.WasCancelled() }

func (e ConnectFailEvent) String() string {
	return fmt.Sprintf("%s status=%s timing=%s gatt=%s highest=%s failures=%d",
		addressOf(e.Device), e.Status, e.Timing, radio.StatusName(e.GattStatus), e.HighestStateReached, e.FailureCount)
}

// ConnectEvent is delivered to connect listeners once per attempt outcome
type ConnectEvent struct {
	Device  *Device
	Success bool
	Fail    ConnectFailEvent
	// IsRetrying is set on a failure the retry policy is about to retry
	IsRetrying bool
}

// EventType implements Event
func (e ConnectEvent) EventType() string {
	if e.Success {
		return "connect"
	}
	return "connect_fail"
}

// Address implements Event
func (e ConnectEvent) Address() string { return addressOf(e.Device) }

// StateEvent reports one atomic change of a device's state set
type StateEvent struct {
	Device     *Device
	Old        state.Mask
	New        state.Mask
	IntentMask state.Mask
	GattStatus int
}

// EventType implements Event
func (e StateEvent) EventType() string { return "state" }

// Address implements Event
func (e StateEvent) Address() string { return addressOf(e.Device) }

// DidEnter reports whether s was entered
func (e StateEvent) DidEnter(s state.DeviceState) bool {
	return !state.Has(e.Old, s) && state.Has(e.New, s)
}

// DidExit reports whether s was exited
func (e StateEvent) DidExit(s state.DeviceState) bool {
	return state.Has(e.Old, s) && !state.Has(e.New, s)
}

// WasIntentional reports whether the flip of s was intentional
func (e StateEvent) WasIntentional(s state.DeviceState) bool {
	return state.Has(e.IntentMask, s)
}

// ReadWriteType tells which GATT operation an event reports
type ReadWriteType int

const (
	OpRead ReadWriteType = iota
	OpWrite
	OpReadRssi
	OpRequestMtu
	OpSetPhy
	OpReadDescriptor
	OpWriteDescriptor
	OpEnableNotify
	OpDisableNotify
	OpConnectionPriority
	// OpPoll is a read issued by a poll rather than by the application
	OpPoll
)

func (t ReadWriteType) String() string {
	switch t {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpReadRssi:
		return "READ_RSSI"
	case OpRequestMtu:
		return "REQUEST_MTU"
	case OpSetPhy:
		return "SET_PHY"
	case OpReadDescriptor:
		return "READ_DESCRIPTOR"
	case OpWriteDescriptor:
		return "WRITE_DESCRIPTOR"
	case OpEnableNotify:
		return "ENABLE_NOTIFY"
	case OpDisableNotify:
		return "DISABLE_NOTIFY"
	case OpConnectionPriority:
		return "CONNECTION_PRIORITY"
	case OpPoll:
		return "POLL"
	default:
		return fmt.Sprintf("ReadWriteType(%d)", int(t))
	}
}

// ReadWriteStatus is the outcome of a GATT operation
type ReadWriteStatus int

const (
	// RWNull is the early-out value when the operation was queued
	RWNull ReadWriteStatus = iota
	RWSuccess
	RWNotConnected
	RWFailedToSend
	RWRemoteGattFailure
	RWTimedOut
	RWCancelled
	RWBleOff
	RWNullDevice
)

func (s ReadWriteStatus) String() string {
	switch s {
	case RWNull:
		return "NULL"
	case RWSuccess:
		return "SUCCESS"
	case RWNotConnected:
		return "NOT_CONNECTED"
	case RWFailedToSend:
		return "FAILED_TO_SEND_OUT"
	case RWRemoteGattFailure:
		return "REMOTE_GATT_FAILURE"
	case RWTimedOut:
		return "TIMED_OUT"
	case RWCancelled:
		return "CANCELLED"
	case RWBleOff:
		return "BLE_OFF"
	case RWNullDevice:
		return "NULL_DEVICE"
	default:
		return fmt.Sprintf("ReadWriteStatus(%d)", int(s))
	}
}

// ReadWriteEvent reports the outcome of one GATT operation
type ReadWriteEvent struct {
	Device     *Device
	Type       ReadWriteType
	Char       uuid.UUID
	Descriptor uuid.UUID
	Data       []byte
	Rssi       int
	Mtu        int
	Phy        radio.Phy
	Priority   radio.ConnectionPriority
	Status     ReadWriteStatus
	GattStatus int
}

// EventType implements Event
func (e ReadWriteEvent) EventType() string { return "read_write" }

// Address implements Event
func (e ReadWriteEvent) Address() string { return addressOf(e.Device) }

// WasSuccess reports whether the operation succeeded
func (e ReadWriteEvent) WasSuccess() bool { return e.Status == RWSuccess }

// IsNull reports whether the operation was merely queued
func (e ReadWriteEvent) IsNull() bool { return e.Status == RWNull }

// NotificationEvent carries a value the peer pushed on its own
type NotificationEvent struct {
	Device *Device
	Char   uuid.UUID
	Data   []byte
	At     time.Time
}

// EventType implements Event
func (e NotificationEvent) EventType() string { return "notification" }

// Address implements Event
func (e NotificationEvent) Address() string { return addressOf(e.Device) }

// BondStatus is the outcome of a bond or unbond request
type BondStatus int

const (
	BondNull BondStatus = iota
	BondSuccess
	BondFailedEventually
	BondFailedImmediately
	BondTimedOut
	BondCancelled
	BondAlreadyBonded
)

func (s BondStatus) String() string {
	switch s {
	case BondNull:
		return "NULL"
	case BondSuccess:
		return "SUCCESS"
	case BondFailedEventually:
		return "FAILED_EVENTUALLY"
	case BondFailedImmediately:
		return "FAILED_IMMEDIATELY"
	case BondTimedOut:
		return "TIMED_OUT"
	case BondCancelled:
		return "CANCELLED"
	case BondAlreadyBonded:
		return "ALREADY_BONDED"
	default:
		return fmt.Sprintf("BondStatus(%d)", int(s))
	}
}

// BondEvent reports the outcome of a bond request
type BondEvent struct {
	Device *Device
	Status BondStatus
	// Reason is the native failure reason, radio.StatusNotApplicable on success
	Reason int
}

// EventType implements Event
func (e BondEvent) EventType() string { return "bond" }

// Address implements Event
func (e BondEvent) Address() string { return addressOf(e.Device) }

// WasSuccess reports whether the device ended up bonded
func (e BondEvent) WasSuccess() bool {
	return e.Status == BondSuccess || e.Status == BondAlreadyBonded
}

// ConnectListener receives connect and connect-fail events
type ConnectListener func(ConnectEvent)

// StateListener receives device state changes
type StateListener func(StateEvent)

// ReadWriteListener receives GATT operation outcomes
type ReadWriteListener func(ReadWriteEvent)

// NotificationListener receives notified values
type NotificationListener func(NotificationEvent)

// BondListener receives bond outcomes
type BondListener func(BondEvent)

func addressOf(d *Device) string {
	if d == nil {
		return ""
	}
	return d.addr
}

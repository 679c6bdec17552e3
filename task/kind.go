package task

import (
	"math/bits"
	"strings"
)

// Kind is a bit set of task types. Each concrete task has exactly one bit;
// families are unions used for matching.
type Kind uint32

const (
	KindConnect Kind = 1 << iota
	KindDisconnect
	KindDiscoverServices
	KindBond
	KindUnbond
	KindRead
	KindWrite
	KindReadRssi
	KindRequestMtu
	KindSetPhy
	KindReadDescriptor
	KindWriteDescriptor
	KindToggleNotify
	KindConnectionPriority
	KindTxnLock
	KindTurnBleOff
	KindTurnBleOn
	KindCrashResolver

	kindEnd
)

// Task families
const (
	// KindAll matches every task
	KindAll = kindEnd - 1

	// KindRequiresConnection is every task that needs a native connection to execute
	KindRequiresConnection = KindDiscoverServices | KindRead | KindWrite | KindReadRssi | KindRequestMtu | KindSetPhy |
		KindReadDescriptor | KindWriteDescriptor | KindToggleNotify | KindConnectionPriority

	// KindTransactionable is every task that can run inside a transaction
	KindTransactionable = KindRead | KindWrite | KindReadDescriptor | KindWriteDescriptor | KindToggleNotify

	// KindReadOrWrite matches GATT reads and writes
	KindReadOrWrite = KindRead | KindWrite

	// KindRequiresBleOn is every task that cannot run with the radio off
	KindRequiresBleOn = KindAll &^ (KindTurnBleOff | KindTurnBleOn | KindCrashResolver)

	// KindConnectOrDisconnect matches the two connection tasks
	KindConnectOrDisconnect = KindConnect | KindDisconnect
)

var kindNames = [...]string{
	"Connect",
	"Disconnect",
	"DiscoverServices",
	"Bond",
	"Unbond",
	"Read",
	"Write",
	"ReadRssi",
	"RequestMtu",
	"SetPhy",
	"ReadDescriptor",
	"WriteDescriptor",
	"ToggleNotify",
	"ConnectionPriority",
	"TxnLock",
	"TurnBleOff",
	"TurnBleOn",
	"CrashResolver",
}

// Is reports whether k belongs to the family f
func (k Kind) Is(f Kind) bool {
	return k&f != 0
}

func (k Kind) String() string {
	if k == 0 {
		return "None"
	}
	if k == KindAll {
		return "All"
	}
	parts := make([]string, 0, 2)
	for k != 0 {
		i := bits.TrailingZeros32(uint32(k))
		if i < len(kindNames) {
			parts = append(parts, kindNames[i])
		}
		k &^= 1 << uint(i)
	}
	return strings.Join(parts, "|")
}

// ConfigKey is the lower-case name used for per-kind timeout configuration
func (k Kind) ConfigKey() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindDiscoverServices:
		return "discover_services"
	case KindBond:
		return "bond"
	case KindUnbond:
		return "unbond"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindReadRssi:
		return "read_rssi"
	case KindRequestMtu:
		return "request_mtu"
	case KindSetPhy:
		return "set_phy"
	case KindReadDescriptor:
		return "read_descriptor"
	case KindWriteDescriptor:
		return "write_descriptor"
	case KindToggleNotify:
		return "toggle_notify"
	case KindConnectionPriority:
		return "connection_priority"
	case KindTxnLock:
		return "txn_lock"
	case KindTurnBleOff:
		return "turn_ble_off"
	case KindTurnBleOn:
		return "turn_ble_on"
	case KindCrashResolver:
		return "crash_resolver"
	default:
		return strings.ToLower(k.String())
	}
}

package ble

import (
	"time"

	"golang.org/x/time/rate"
)

// UhOh names a condition that should not happen but that the core recovers from
type UhOh int

const (
	UhOhConnectedWithoutCallback UhOh = iota
	UhOhDeadObject
	UhOhServiceDiscoveryFailed
	UhOhPhysicalLayerFailure
	UhOhRandomException
	UhOhAssertionFailed
)

func (u UhOh) String() string {
	switch u {
	case UhOhConnectedWithoutCallback:
		return "CONNECTED_WITHOUT_CALLBACK"
	case UhOhDeadObject:
		return "DEAD_OBJECT"
	case UhOhServiceDiscoveryFailed:
		return "SERVICE_DISCOVERY_FAILED"
	case UhOhPhysicalLayerFailure:
		return "PHYSICAL_LAYER_FAILURE"
	case UhOhRandomException:
		return "RANDOM_EXCEPTION"
	case UhOhAssertionFailed:
		return "ASSERTION_FAILED"
	default:
		return "UNKNOWN_UH_OH"
	}
}

// UhOhEvent reports one uh-oh
type UhOhEvent struct {
	Type    UhOh
	Message string
	At      time.Time
}

// EventType implements Event
func (e UhOhEvent) EventType() string { return "uh_oh" }

// Address implements Event
func (e UhOhEvent) Address() string { return "" }

// UhOhListener receives uh-ohs
type UhOhListener func(UhOhEvent)

// uhOhThrottle is the minimum gap between two reports of the same type
const uhOhThrottle = 5 * time.Second

// uhOh reports t unless the same type was reported within the throttle window.
// Failed assertions are never throttled. It returns whether the event went out.
func (m *Manager) uhOh(t UhOh, msg string) bool {
	if t != UhOhAssertionFailed && !m.allowUhOh(t) {
		m.log.Debug("uh-oh %s throttled: %s", t, msg)
		return false
	}

	m.log.Warn("uh-oh %s: %s", t, msg)
	ev := UhOhEvent{Type: t, Message: msg, At: m.now}
	if l := m.uhOhListener; l != nil {
		m.safely(func() { l(ev) })
	}
	m.publish(ev)
	return true
}

func (m *Manager) allowUhOh(t UhOh) bool {
	lim, ok := m.uhOhLimits[t]
	if !ok {
		lim = rate.NewLimiter(rate.Every(uhOhThrottle), 1)
		m.uhOhLimits[t] = lim
	}
	return lim.AllowN(m.now, 1)
}

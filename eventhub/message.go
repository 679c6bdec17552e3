package eventhub

import (
	"encoding/hex"
	"time"

	"github.com/davidroman0O/blelink/ble"
	"github.com/davidroman0O/blelink/state"
)

// Message is the JSON frame sent to every client
type Message struct {
	Type    string    `json:"type"`
	Address string    `json:"address,omitempty"`
	At      time.Time `json:"at"`

	States  []string `json:"states,omitempty"`
	Entered []string `json:"entered,omitempty"`
	Exited  []string `json:"exited,omitempty"`

	Status   string `json:"status,omitempty"`
	Timing   string `json:"timing,omitempty"`
	Failures int    `json:"failures,omitempty"`
	Retrying bool   `json:"retrying,omitempty"`

	Message string `json:"message,omitempty"`

	Characteristic string `json:"characteristic,omitempty"`
	Value          string `json:"value,omitempty"`
}

// FromEvent converts a manager event into a frame. Read and write results
// go back to the caller that asked for them and report false. Notified
// values are sent hex encoded.
func FromEvent(ev ble.Event, now time.Time) (Message, bool) {
	msg := Message{Type: ev.EventType(), Address: ev.Address(), At: now}
	switch e := ev.(type) {
	case ble.StateEvent:
		msg.States = deviceStates(e.New)
		msg.Entered = deviceStates(e.New &^ e.Old)
		msg.Exited = deviceStates(e.Old &^ e.New)
	case ble.RadioStateEvent:
		msg.States = managerStates(e.New)
		msg.Entered = managerStates(e.New &^ e.Old)
		msg.Exited = managerStates(e.Old &^ e.New)
	case ble.ConnectEvent:
		if !e.Success {
			msg.Status = e.Fail.Status.String()
			msg.Timing = e.Fail.Timing.String()
			msg.Failures = e.Fail.FailureCount
			msg.Retrying = e.IsRetrying
		}
	case ble.BondEvent:
		msg.Status = e.Status.String()
	case ble.UhOhEvent:
		msg.Status = e.Type.String()
		msg.Message = e.Message
	case ble.NotificationEvent:
		msg.Characteristic = e.Char.String()
		msg.Value = hex.EncodeToString(e.Data)
	case ble.DiscoveryEvent:
	default:
		return Message{}, false
	}
	return msg, true
}

func deviceStates(m state.Mask) []string {
	var out []string
	for _, s := range state.AllDeviceStates() {
		if state.Has(m, s) {
			out = append(out, s.String())
		}
	}
	return out
}

func managerStates(m state.Mask) []string {
	var out []string
	for _, s := range []state.ManagerState{state.RadioOff, state.RadioTurningOn, state.RadioOn, state.RadioTurningOff, state.RadioResetting} {
		if state.Has(m, s) {
			out = append(out, s.String())
		}
	}
	return out
}

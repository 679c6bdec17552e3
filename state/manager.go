package state

import "fmt"

// ManagerState is the radio-level state of the manager
type ManagerState int

const (
	RadioOff ManagerState = iota
	RadioTurningOn
	RadioOn
	RadioTurningOff
	RadioResetting

	managerStateCount
)

var managerStateNames = [...]string{"OFF", "TURNING_ON", "ON", "TURNING_OFF", "RESETTING"}

func (s ManagerState) String() string {
	if s >= 0 && s < managerStateCount {
		return managerStateNames[s]
	}
	return fmt.Sprintf("ManagerState(%d)", int(s))
}

// RadioGroup always holds exactly one of the four power states
var RadioGroup = Group[ManagerState]{
	Members:    []ManagerState{RadioOff, RadioTurningOn, RadioOn, RadioTurningOff},
	Default:    RadioOff,
	HasDefault: true,
}

// ManagerTracker is the state tracker of the manager
type ManagerTracker = Tracker[ManagerState]

// NewManagerTracker builds a tracker over the manager state set
func NewManagerTracker(onChange func(Change), opts ...Option) *ManagerTracker {
	return NewTracker[ManagerState](int(managerStateCount), []Group[ManagerState]{RadioGroup}, onChange, opts...)
}

// FormatManager renders a manager mask
func FormatManager(m Mask) string {
	return FormatMask[ManagerState](m, int(managerStateCount))
}

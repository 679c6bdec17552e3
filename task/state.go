package task

import "fmt"

// State is the execution state of a task
type State int

const (
	Undefined State = iota
	Created
	Queued
	Armed
	Executing

	// ending states

	Succeeded
	TimedOut
	Interrupted
	Cancelled
	SoftlyCancelled
	Failed
	ClearedFromQueue
	Redundant
	FailedImmediately
)

var stateNames = map[State]string{
	Undefined:         "UNDEFINED",
	Created:           "CREATED",
	Queued:            "QUEUED",
	Armed:             "ARMED",
	Executing:         "EXECUTING",
	Succeeded:         "SUCCEEDED",
	TimedOut:          "TIMED_OUT",
	Interrupted:       "INTERRUPTED",
	Cancelled:         "CANCELLED",
	SoftlyCancelled:   "SOFTLY_CANCELLED",
	Failed:            "FAILED",
	ClearedFromQueue:  "CLEARED_FROM_QUEUE",
	Redundant:         "REDUNDANT",
	FailedImmediately: "FAILED_IMMEDIATELY",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsEndingState reports whether s terminates an execution attempt
func (s State) IsEndingState() bool {
	return s >= Succeeded
}

// CanGoToNextTask reports whether the queue may move on after s
func (s State) CanGoToNextTask() bool {
	return s.IsEndingState()
}

// Priority orders tasks in the queue; higher runs first
type Priority int

const (
	Trivial Priority = iota
	Low
	Medium
	High
	Critical
)

// Priority aliases by purpose
const (
	ForNormalReadsWrites            = Low
	ForExplicitBondingAndConnecting = Medium
	ForPriorityReadsWrites          = Medium
	ForImplicitBondingAndConnecting = High
)

func (p Priority) String() string {
	switch p {
	case Trivial:
		return "TRIVIAL"
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

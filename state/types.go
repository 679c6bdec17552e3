// Package state holds the device and manager state sets and the trackers that
// apply atomic multi-state transitions to them.
package state

import (
	"strings"
)

// State is implemented by every enum a Tracker can hold
type State interface {
	~int
	String() string
}

// Mask is a bit set of states; bit i is state ordinal i
type Mask uint64

// Has reports whether s is in the mask
func Has[S State](m Mask, s S) bool {
	return m&Bit(s) != 0
}

// Bit returns the mask bit for s
func Bit[S State](s S) Mask {
	return Mask(1) << uint(s)
}

// MaskOf builds a mask from a list of states
func MaskOf[S State](states ...S) Mask {
	var m Mask
	for _, s := range states {
		m |= Bit(s)
	}
	return m
}

// Intent tags a transition as user-requested or not
type Intent int

const (
	Unintentional Intent = iota
	Intentional
	NullIntent
)

func (i Intent) String() string {
	switch i {
	case Unintentional:
		return "UNINTENTIONAL"
	case Intentional:
		return "INTENTIONAL"
	default:
		return "NULL"
	}
}

// mask spreads the intent over every bit the way the change event reports it
func (i Intent) mask() Mask {
	if i == Intentional {
		return ^Mask(0)
	}
	return 0
}

// Pair is one (state, value) assignment inside an update
type Pair[S State] struct {
	State S
	Value bool
}

// On is shorthand for Pair{s, true}
func On[S State](s S) Pair[S] { return Pair[S]{State: s, Value: true} }

// Off is shorthand for Pair{s, false}
func Off[S State](s S) Pair[S] { return Pair[S]{State: s, Value: false} }

// P builds a pair from a computed value
func P[S State](s S, v bool) Pair[S] { return Pair[S]{State: s, Value: v} }

// Group is a set of states of which at most one may be set. When Default is
// set the group always has exactly one member.
type Group[S State] struct {
	Members    []S
	Default    S
	HasDefault bool
}

func (g Group[S]) mask() Mask {
	return MaskOf(g.Members...)
}

// Change is the aggregated event fired once per effective update
type Change struct {
	Old        Mask
	New        Mask
	IntentMask Mask
	Status     int
}

// DidEnter reports whether s was entered in this change
func DidEnter[S State](c Change, s S) bool {
	return !Has(c.Old, s) && Has(c.New, s)
}

// DidExit reports whether s was exited in this change
func DidExit[S State](c Change, s S) bool {
	return Has(c.Old, s) && !Has(c.New, s)
}

// WasIntentional reports whether the flip of s was intentional
func WasIntentional[S State](c Change, s S) bool {
	return Has(c.IntentMask, s)
}

// Modified returns the bits that flipped
func (c Change) Modified() Mask {
	return c.Old ^ c.New
}

// Restrict limits the change to the tracked bits. ok is false when none of them flipped.
func (c Change) Restrict(tracked Mask) (Change, bool) {
	if c.Modified()&tracked == 0 {
		return c, false
	}
	return Change{
		Old:        c.Old & tracked,
		New:        c.New & tracked,
		IntentMask: c.IntentMask & tracked,
		Status:     c.Status,
	}, true
}

// FormatMask renders the set states of m using names for each ordinal
func FormatMask[S State](m Mask, count int) string {
	parts := make([]string, 0, 8)
	for i := 0; i < count; i++ {
		if m&(Mask(1)<<uint(i)) != 0 {
			parts = append(parts, S(i).String())
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

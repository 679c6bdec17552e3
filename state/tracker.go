package state

import (
	"time"

	"github.com/davidroman0O/blelink/logger"
)

// Option configures a Tracker
type Option func(*options)

type options struct {
	log logger.Logger
	now func() time.Time
}

// WithLogger sets the tracker's logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock sets the time source used to stamp entered and exited states
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Tracker holds a state mask and per-state timestamps. Every update is applied
// atomically, exclusive groups are enforced, and at most one Change fires.
// A Tracker is not safe for concurrent use; it belongs to the update loop.
type Tracker[S State] struct {
	mask     Mask
	count    int
	groups   []Group[S]
	onChange func(Change)

	entered []time.Time
	spent   []time.Duration

	log logger.Logger
	now func() time.Time
}

// NewTracker builds a tracker over count states
func NewTracker[S State](count int, groups []Group[S], onChange func(Change), opts ...Option) *Tracker[S] {
	o := options{log: logger.NewDefaultLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Tracker[S]{
		count:    count,
		groups:   groups,
		onChange: onChange,
		entered:  make([]time.Time, count),
		spent:    make([]time.Duration, count),
		log:      o.log,
		now:      o.now,
	}
	t.mask = t.enforce(0, 0, nil)
	return t
}

// SetOnChange replaces the change callback
func (t *Tracker[S]) SetOnChange(fn func(Change)) {
	t.onChange = fn
}

// Is reports whether s is set
func (t *Tracker[S]) Is(s S) bool {
	return Has(t.mask, s)
}

// IsAny reports whether any of states is set
func (t *Tracker[S]) IsAny(states ...S) bool {
	return t.mask&MaskOf(states...) != 0
}

// IsAll reports whether every one of states is set
func (t *Tracker[S]) IsAll(states ...S) bool {
	m := MaskOf(states...)
	return t.mask&m == m
}

// Mask returns the current state mask
func (t *Tracker[S]) Mask() Mask {
	return t.mask
}

// String renders the set states
func (t *Tracker[S]) String() string {
	return FormatMask[S](t.mask, t.count)
}

// Update applies pairs on top of the current mask and fires one Change if anything flipped
func (t *Tracker[S]) Update(intent Intent, status int, pairs ...Pair[S]) {
	t.apply(t.build(t.mask, pairs), intent.mask(), status, true)
}

// Set builds the mask from zero out of pairs and fires one Change if anything flipped
func (t *Tracker[S]) Set(intent Intent, status int, pairs ...Pair[S]) {
	t.apply(t.build(0, pairs), intent.mask(), status, true)
}

// SetNoCallback builds the mask from zero without firing a Change
func (t *Tracker[S]) SetNoCallback(pairs ...Pair[S]) {
	t.apply(t.build(0, pairs), 0, -1, false)
}

// Append sets a single state
func (t *Tracker[S]) Append(s S, intent Intent, status int) {
	if t.Is(s) {
		return
	}
	t.Update(intent, status, On(s))
}

// Remove clears a single state
func (t *Tracker[S]) Remove(s S, intent Intent, status int) {
	t.Update(intent, status, Off(s))
}

// Copy takes over other's mask, firing a Change when fire is true
func (t *Tracker[S]) Copy(other *Tracker[S], fire bool) {
	t.apply(other.mask, 0, -1, fire)
}

// TimeInState returns how long s has been set, or how long it was last set
// for when it is currently clear.
func (t *Tracker[S]) TimeInState(s S, now time.Time) time.Duration {
	i := int(s)
	if i < 0 || i >= t.count {
		return 0
	}
	if t.Is(s) {
		return now.Sub(t.entered[i])
	}
	return t.spent[i]
}

// EnteredAt returns when s was last entered
func (t *Tracker[S]) EnteredAt(s S) time.Time {
	i := int(s)
	if i < 0 || i >= t.count {
		return time.Time{}
	}
	return t.entered[i]
}

func (t *Tracker[S]) build(base Mask, pairs []Pair[S]) Mask {
	m := base
	var asserted Mask
	for _, p := range pairs {
		if int(p.State) < 0 || int(p.State) >= t.count {
			t.log.Warn("ignoring out of range state %d", int(p.State))
			continue
		}
		if p.Value {
			m |= Bit(p.State)
			asserted |= Bit(p.State)
		} else {
			m &^= Bit(p.State)
			asserted &^= Bit(p.State)
		}
	}
	return t.enforce(m, asserted, pairs)
}

// enforce resolves every exclusive group: the last member asserted in this
// update wins, otherwise a surviving member is kept, otherwise the default is set.
func (t *Tracker[S]) enforce(m, asserted Mask, pairs []Pair[S]) Mask {
	for _, g := range t.groups {
		gm := g.mask()
		present := m & gm
		if present&(present-1) != 0 {
			winner := Mask(0)
			for i := len(pairs) - 1; i >= 0; i-- {
				b := Bit(pairs[i].State)
				if pairs[i].Value && b&gm != 0 && asserted&b != 0 {
					winner = b
					break
				}
			}
			if winner == 0 {
				// several survivors from the base mask; keep the lowest
				winner = present & -present
			}
			t.log.Debug("exclusive group conflict %s resolved to %s",
				FormatMask[S](present, t.count), FormatMask[S](winner, t.count))
			m = m&^gm | winner
			present = winner
		}
		if present == 0 && g.HasDefault {
			m |= Bit(g.Default)
		}
	}
	return m
}

func (t *Tracker[S]) apply(newMask Mask, intentMask Mask, status int, fire bool) {
	old := t.mask
	t.mask = newMask

	if old == newMask {
		return
	}

	now := t.now()
	for i := 0; i < t.count; i++ {
		bit := Mask(1) << uint(i)
		switch {
		case old&bit != 0 && newMask&bit == 0:
			t.spent[i] = now.Sub(t.entered[i])
		case old&bit == 0 && newMask&bit != 0:
			t.entered[i] = now
		default:
			intentMask &^= bit
		}
	}

	if fire && t.onChange != nil {
		t.onChange(Change{Old: old, New: newMask, IntentMask: intentMask, Status: status})
	}
}

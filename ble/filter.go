package ble

import (
	"fmt"
	"time"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/retry"
	"github.com/davidroman0O/blelink/state"
)

type pleaseKind int

const (
	pleaseDoNotRetry pleaseKind = iota
	pleaseRetry
	pleaseRetryAutoConnectTrue
	pleaseRetryAutoConnectFalse
)

// Please is a retry policy's verdict on a failed connection attempt
type Please struct {
	kind pleaseKind
}

// DoNotRetry gives up on the attempt
func DoNotRetry() Please { return Please{kind: pleaseDoNotRetry} }

// Retry tries again with the current auto-connect setting
func Retry() Please { return Please{kind: pleaseRetry} }

// RetryWithAutoConnectTrue tries again asking the stack for auto-connect
func RetryWithAutoConnectTrue() Please { return Please{kind: pleaseRetryAutoConnectTrue} }

// RetryWithAutoConnectFalse tries again with a direct connect
func RetryWithAutoConnectFalse() Please { return Please{kind: pleaseRetryAutoConnectFalse} }

// IsRetry reports whether the verdict asks for another attempt
func (p Please) IsRetry() bool { return p.kind != pleaseDoNotRetry }

// AutoConnect returns the auto-connect override, if the verdict carries one
func (p Please) AutoConnect() (value bool, ok bool) {
	switch p.kind {
	case pleaseRetryAutoConnectTrue:
		return true, true
	case pleaseRetryAutoConnectFalse:
		return false, true
	default:
		return false, false
	}
}

func (p Please) String() string {
	switch p.kind {
	case pleaseRetry:
		return "RETRY"
	case pleaseRetryAutoConnectTrue:
		return "RETRY_WITH_AUTOCONNECT_TRUE"
	case pleaseRetryAutoConnectFalse:
		return "RETRY_WITH_AUTOCONNECT_FALSE"
	default:
		return "DO_NOT_RETRY"
	}
}

// ReconnectType tells the two reconnect managers apart
type ReconnectType int

const (
	ShortTerm ReconnectType = iota
	LongTerm
)

func (t ReconnectType) String() string {
	if t == ShortTerm {
		return "SHORT_TERM"
	}
	return "LONG_TERM"
}

// ConnectionLostEvent asks a policy whether and when to try reconnecting
type ConnectionLostEvent struct {
	Device *Device
	Type   ReconnectType
	// GattStatus is the native status of the disconnect that started the reconnect
	GattStatus int
	// FailureCount is how many reconnect attempts have failed so far
	FailureCount          int
	TotalTimeReconnecting time.Duration
	PreviousDelay         time.Duration
}

// ConnectionLostPlease is a policy's verdict on reconnecting
type ConnectionLostPlease struct {
	persist bool
	delay   time.Duration
	timeout time.Duration
}

// PersistWithTimeout keeps reconnecting every delay until timeout has passed in total.
// A zero timeout never gives up.
func PersistWithTimeout(delay, timeout time.Duration) ConnectionLostPlease {
	return ConnectionLostPlease{persist: true, delay: delay, timeout: timeout}
}

// StopRetrying ends the reconnect
func StopRetrying() ConnectionLostPlease { return ConnectionLostPlease{} }

// ShouldPersist reports whether reconnecting continues
func (p ConnectionLostPlease) ShouldPersist() bool { return p.persist }

// Delay is the wait before the next attempt
func (p ConnectionLostPlease) Delay() time.Duration { return p.delay }

// Timeout is the total time allowed for reconnecting
func (p ConnectionLostPlease) Timeout() time.Duration { return p.timeout }

func (p ConnectionLostPlease) String() string {
	if !p.persist {
		return "STOP"
	}
	return fmt.Sprintf("PERSIST(delay=%s timeout=%s)", p.delay, p.timeout)
}

// ReconnectFilter decides retries after failed attempts and reconnects after lost connections
type ReconnectFilter interface {
	OnConnectFailed(e ConnectFailEvent) Please
	OnConnectionLost(e ConnectionLostEvent) ConnectionLostPlease
}

// DefaultReconnectFilter retries a few failed attempts, switching to
// auto-connect after repeated failures, and reconnects lost connections on a
// fixed rate until a timeout.
type DefaultReconnectFilter struct {
	RetryCount                 int
	FailCountBeforeAutoConnect int

	ShortTermRate    time.Duration
	ShortTermTimeout time.Duration
	LongTermRate     time.Duration
	LongTermTimeout  time.Duration

	// LongTermSchedule, when set, replaces LongTermRate with a per-attempt delay
	LongTermSchedule retry.Schedule
}

// NewDefaultReconnectFilter builds the filter from configuration
func NewDefaultReconnectFilter(cfg *config.Config) *DefaultReconnectFilter {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &DefaultReconnectFilter{
		RetryCount:                 cfg.Reconnect.RetryCount,
		FailCountBeforeAutoConnect: cfg.Reconnect.FailCountBeforeAutoConnect,
		ShortTermRate:              cfg.Reconnect.ShortTerm.Rate.D(),
		ShortTermTimeout:           cfg.Reconnect.ShortTerm.Timeout.D(),
		LongTermRate:               cfg.Reconnect.LongTerm.Rate.D(),
		LongTermTimeout:            cfg.Reconnect.LongTerm.Timeout.D(),
	}
	if cfg.Reconnect.Backoff.Enabled {
		f.LongTermSchedule = cfg.LongTermBackoff().Schedule()
	}
	return f
}

// OnConnectFailed implements ReconnectFilter
func (f *DefaultReconnectFilter) OnConnectFailed(e ConnectFailEvent) Please {
	if !e.Status.AllowsRetry() {
		return DoNotRetry()
	}
	if e.Device != nil && e.Device.Is(state.ReconnectingLongTerm) {
		return DoNotRetry()
	}
	if e.FailureCount > f.RetryCount {
		return DoNotRetry()
	}

	if e.FailureCount >= f.FailCountBeforeAutoConnect {
		return RetryWithAutoConnectTrue()
	}
	if e.Status == StatusNativeConnectionFailed && e.Timing == TimingTimedOut {
		// a timed out direct connect may succeed with auto-connect and vice versa
		switch e.AutoConnectUsage {
		case AutoConnectUsed:
			return RetryWithAutoConnectFalse()
		case AutoConnectNotUsed:
			return RetryWithAutoConnectTrue()
		}
	}
	return Retry()
}

// OnConnectionLost implements ReconnectFilter
func (f *DefaultReconnectFilter) OnConnectionLost(e ConnectionLostEvent) ConnectionLostPlease {
	if e.Type == ShortTerm {
		if f.ShortTermTimeout <= 0 {
			return StopRetrying()
		}
		return PersistWithTimeout(f.ShortTermRate, f.ShortTermTimeout)
	}

	if f.LongTermTimeout <= 0 {
		return StopRetrying()
	}
	delay := f.LongTermRate
	if f.LongTermSchedule != nil {
		delay = f.LongTermSchedule(e.FailureCount)
		if delay < 0 {
			return StopRetrying()
		}
	}
	return PersistWithTimeout(delay, f.LongTermTimeout)
}

// LimitedReconnectFilter caps short-term reconnects at a number of attempts
// and defers every other decision to the wrapped filter.
type LimitedReconnectFilter struct {
	ReconnectFilter
	ShortTermAttempts int
}

// OnConnectionLost implements ReconnectFilter
func (f LimitedReconnectFilter) OnConnectionLost(e ConnectionLostEvent) ConnectionLostPlease {
	if e.Type == ShortTerm && e.FailureCount >= f.ShortTermAttempts {
		return StopRetrying()
	}
	return f.ReconnectFilter.OnConnectionLost(e)
}

// ReconnectFilterFuncs adapts a pair of functions. A nil function defers to Fallback.
type ReconnectFilterFuncs struct {
	ConnectFailed  func(ConnectFailEvent) Please
	ConnectionLost func(ConnectionLostEvent) ConnectionLostPlease
	Fallback       ReconnectFilter
}

// OnConnectFailed implements ReconnectFilter
func (f ReconnectFilterFuncs) OnConnectFailed(e ConnectFailEvent) Please {
	if f.ConnectFailed != nil {
		return f.ConnectFailed(e)
	}
	if f.Fallback != nil {
		return f.Fallback.OnConnectFailed(e)
	}
	return DoNotRetry()
}

// OnConnectionLost implements ReconnectFilter
func (f ReconnectFilterFuncs) OnConnectionLost(e ConnectionLostEvent) ConnectionLostPlease {
	if f.ConnectionLost != nil {
		return f.ConnectionLost(e)
	}
	if f.Fallback != nil {
		return f.Fallback.OnConnectionLost(e)
	}
	return StopRetrying()
}

package ble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidroman0O/blelink/config"
)

func TestDefaultFilterOnConnectFailed(t *testing.T) {
	f := NewDefaultReconnectFilter(config.Default())

	tests := []struct {
		name string
		ev   ConnectFailEvent
		want Please
	}{
		{
			name: "explicit disconnect",
			ev:   ConnectFailEvent{Status: StatusExplicitDisconnect, FailureCount: 1},
			want: DoNotRetry(),
		},
		{
			name: "radio turning off",
			ev:   ConnectFailEvent{Status: StatusBleTurningOff, FailureCount: 1},
			want: DoNotRetry(),
		},
		{
			name: "already connecting",
			ev:   ConnectFailEvent{Status: StatusAlreadyConnectingOrConnected, FailureCount: 1},
			want: DoNotRetry(),
		},
		{
			name: "first native failure",
			ev:   ConnectFailEvent{Status: StatusNativeConnectionFailed, Timing: TimingEventually, FailureCount: 1},
			want: Retry(),
		},
		{
			name: "direct connect timed out",
			ev: ConnectFailEvent{Status: StatusNativeConnectionFailed, Timing: TimingTimedOut,
				AutoConnectUsage: AutoConnectNotUsed, FailureCount: 1},
			want: RetryWithAutoConnectTrue(),
		},
		{
			name: "auto-connect timed out",
			ev: ConnectFailEvent{Status: StatusNativeConnectionFailed, Timing: TimingTimedOut,
				AutoConnectUsage: AutoConnectUsed, FailureCount: 1},
			want: RetryWithAutoConnectFalse(),
		},
		{
			name: "first auth failure",
			ev:   ConnectFailEvent{Status: StatusAuthenticationFailed, FailureCount: 1},
			want: Retry(),
		},
		{
			name: "second failure switches to auto-connect",
			ev:   ConnectFailEvent{Status: StatusAuthenticationFailed, FailureCount: 2},
			want: RetryWithAutoConnectTrue(),
		},
		{
			name: "out of retries",
			ev:   ConnectFailEvent{Status: StatusNativeConnectionFailed, FailureCount: 3},
			want: DoNotRetry(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.OnConnectFailed(tt.ev)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestDefaultFilterOnConnectionLost(t *testing.T) {
	cfg := config.Default()
	f := NewDefaultReconnectFilter(cfg)

	short := f.OnConnectionLost(ConnectionLostEvent{Type: ShortTerm})
	assert.True(t, short.ShouldPersist())
	assert.Equal(t, time.Second, short.Delay())
	assert.Equal(t, 5*time.Second, short.Timeout())

	long := f.OnConnectionLost(ConnectionLostEvent{Type: LongTerm, FailureCount: 4})
	assert.True(t, long.ShouldPersist())
	assert.Equal(t, 3*time.Second, long.Delay())
	assert.Equal(t, 5*time.Minute, long.Timeout())

	cfg.Reconnect.ShortTerm.Timeout = 0
	assert.False(t, NewDefaultReconnectFilter(cfg).OnConnectionLost(ConnectionLostEvent{Type: ShortTerm}).ShouldPersist())
}

func TestDefaultFilterLongTermBackoff(t *testing.T) {
	cfg := config.Default()
	cfg.Reconnect.Backoff = config.BackoffConfig{
		Enabled:      true,
		InitialDelay: config.Duration(time.Second),
		MaxDelay:     config.Duration(4 * time.Second),
		Multiplier:   2,
	}
	f := NewDefaultReconnectFilter(cfg)

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		p := f.OnConnectionLost(ConnectionLostEvent{Type: LongTerm, FailureCount: i})
		assert.True(t, p.ShouldPersist())
		delays = append(delays, p.Delay())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
}

func TestLimitedFilterCapsShortTermAttempts(t *testing.T) {
	f := LimitedReconnectFilter{ReconnectFilter: NewDefaultReconnectFilter(config.Default()), ShortTermAttempts: 2}

	assert.True(t, f.OnConnectionLost(ConnectionLostEvent{Type: ShortTerm, FailureCount: 1}).ShouldPersist())
	assert.False(t, f.OnConnectionLost(ConnectionLostEvent{Type: ShortTerm, FailureCount: 2}).ShouldPersist())
	assert.True(t, f.OnConnectionLost(ConnectionLostEvent{Type: LongTerm, FailureCount: 9}).ShouldPersist())
	assert.Equal(t, Retry(), f.OnConnectFailed(ConnectFailEvent{Status: StatusRogueDisconnect, FailureCount: 1}))
}

func TestFilterFuncsFallBack(t *testing.T) {
	var empty ReconnectFilterFuncs
	assert.Equal(t, DoNotRetry(), empty.OnConnectFailed(ConnectFailEvent{Status: StatusRogueDisconnect, FailureCount: 1}))
	assert.False(t, empty.OnConnectionLost(ConnectionLostEvent{Type: ShortTerm}).ShouldPersist())

	f := ReconnectFilterFuncs{
		ConnectionLost: func(ConnectionLostEvent) ConnectionLostPlease { return StopRetrying() },
		Fallback:       NewDefaultReconnectFilter(config.Default()),
	}
	assert.Equal(t, Retry(), f.OnConnectFailed(ConnectFailEvent{Status: StatusRogueDisconnect, FailureCount: 1}))
	assert.False(t, f.OnConnectionLost(ConnectionLostEvent{Type: ShortTerm}).ShouldPersist())
}

func TestPleaseAutoConnect(t *testing.T) {
	v, ok := RetryWithAutoConnectTrue().AutoConnect()
	assert.True(t, ok)
	assert.True(t, v)

	v, ok = RetryWithAutoConnectFalse().AutoConnect()
	assert.True(t, ok)
	assert.False(t, v)

	_, ok = Retry().AutoConnect()
	assert.False(t, ok)
	assert.False(t, DoNotRetry().IsRetry())
}

package ble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/radio/sim"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

func TestConnectReachesInitialized(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.connected(addrA, nil, nil)

	assert.True(t, d.IsAll(state.Initialized, state.Connected, state.ServicesDiscovered, state.BleConnected))
	assert.False(t, d.IsAny(state.Connecting, state.ConnectingOverall, state.Disconnected))
	assert.True(t, exactlyOneSimpleState(d))
	assert.Equal(t, 1, h.successes())
	assert.Empty(t, h.fails())
	assert.Equal(t, 1, h.connectCalls(addrA))
	assert.Equal(t, 1, h.radio.CountCalls("discover_services "+addrA))
	assert.Equal(t, state.Unintentional, d.LastDisconnectIntent())
}

func TestSecondConnectIsAnEarlyOut(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.m.OnDiscovered(addrA, "", -60)

	var first, second []ConnectEvent
	require.True(t, d.Connect(nil, nil, func(ev ConnectEvent) { first = append(first, ev) }).IsNull())

	ev := d.Connect(nil, nil, func(ev ConnectEvent) { second = append(second, ev) })
	assert.Equal(t, StatusAlreadyConnectingOrConnected, ev.Status)
	require.Len(t, second, 1)
	assert.False(t, second[0].Success)
	assert.Equal(t, StatusAlreadyConnectingOrConnected, second[0].Fail.Status)
	assert.Empty(t, first)
	assert.Equal(t, 0, h.connectCalls(addrA))

	h.runUntil(2*time.Second, func() bool { return d.Is(state.Initialized) }, "initialized")
	assert.Equal(t, 1, h.connectCalls(addrA))
	require.Len(t, first, 1)
	assert.True(t, first[0].Success)
	assert.Len(t, second, 1)

	// the manager listener heard both
	require.Len(t, h.connects, 2)
	assert.Equal(t, StatusAlreadyConnectingOrConnected, h.connects[0].Fail.Status)
	assert.True(t, h.connects[1].Success)
}

func TestConnectWhileRadioOffIsAnEarlyOut(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.m.OnDiscovered(addrA, "", -60)
	require.True(t, h.m.TurnOff())
	h.runUntil(time.Second, func() bool { return h.m.Is(state.RadioOff) }, "radio off")

	ev := d.Connect(nil, nil, nil)
	assert.Equal(t, StatusBleTurningOff, ev.Status)
	assert.True(t, ev.WasCancelled())
	assert.Equal(t, 0, h.connectCalls(addrA))
}

func TestConnectTimeoutsRetryThenSettleDisconnected(t *testing.T) {
	p := peer(addrA)
	p.Connects = []sim.Outcome{sim.Hang(), sim.Hang(), sim.Hang()}
	h := newHarness(t, nil, p)
	d := h.m.OnDiscovered(addrA, "", -60)
	require.True(t, d.Connect(nil, nil, nil).IsNull())

	h.runUntil(time.Second, func() bool { return h.connectCalls(addrA) == 1 }, "first native connect")
	started := h.now

	h.runUntil(5*time.Second, func() bool { return len(h.fails()) == 3 }, "three failures")
	fails := h.fails()
	for i, ev := range fails {
		assert.Equal(t, StatusNativeConnectionFailed, ev.Fail.Status)
		assert.Equal(t, TimingTimedOut, ev.Fail.Timing)
		assert.Equal(t, i+1, ev.Fail.FailureCount)
		want := started.Add(time.Duration(i+1) * time.Second)
		assert.True(t, ev.Fail.At.Equal(want), "failure %d at %s, want %s", i+1, ev.Fail.At, want)
	}
	assert.True(t, fails[0].IsRetrying)
	assert.True(t, fails[1].IsRetrying)
	assert.False(t, fails[2].IsRetrying)

	// a timed out direct connect is retried with auto-connect
	assert.Equal(t, AutoConnectNotUsed, fails[0].Fail.AutoConnectUsage)
	assert.Equal(t, AutoConnectUsed, fails[1].Fail.AutoConnectUsage)

	h.run(2 * time.Second)
	assert.True(t, d.Is(state.Disconnected))
	assert.False(t, d.IsAny(state.Connecting, state.ConnectingOverall, state.BleConnecting, state.RetryingBleConnection))
	assert.Equal(t, 3, h.connectCalls(addrA))
	assert.Len(t, d.ConnectionFailHistory(), 3)
	assert.Equal(t, 0, h.successes())
}

func TestLinkLossReconnectsSilently(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	authRuns := 0
	auth := NewTxn(func(tx *FuncTxn) {
		authRuns++
		tx.Succeed()
	})
	d := h.connected(addrA, auth, nil)

	var changes []StateEvent
	d.PushStateListener(func(ev StateEvent) { changes = append(changes, ev) })

	dropLink(h, addrA)
	h.runUntil(time.Second, func() bool { return d.Is(state.ReconnectingShortTerm) }, "short-term reconnect")
	assert.True(t, d.Is(state.Connected))
	assert.False(t, d.IsAny(state.BleConnected, state.Initialized, state.Disconnected))
	assert.True(t, exactlyOneSimpleState(d))
	assert.Empty(t, h.fails())

	h.runUntil(3*time.Second, func() bool { return d.Is(state.Initialized) }, "reconnected")
	assert.False(t, d.Is(state.ReconnectingShortTerm))
	assert.Equal(t, 1, authRuns)
	assert.Equal(t, 1, h.successes())
	assert.Equal(t, 2, h.connectCalls(addrA))
	assert.Equal(t, 2, h.radio.CountCalls("discover_services "+addrA))

	for _, ev := range changes {
		assert.False(t, ev.DidExit(state.Connected), "CONNECTED exited during a short-term reconnect")
	}
}

func TestDisconnectRemoteCancelsInFlightRead(t *testing.T) {
	p := peer(addrA)
	p.OpDelay = 5 * time.Second
	h := newHarness(t, nil, p)
	d := h.connected(addrA, nil, nil)

	var reads []ReadWriteEvent
	require.True(t, d.Read(charBattery, func(ev ReadWriteEvent) { reads = append(reads, ev) }).IsNull())
	h.tick()
	require.True(t, h.m.Tasks().IsCurrent(task.KindRead, d))

	require.True(t, d.DisconnectRemote())
	require.Len(t, reads, 1)
	assert.Equal(t, RWCancelled, reads[0].Status)
	cur := h.m.Tasks().GetCurrent(task.KindDisconnect, d)
	require.NotNil(t, cur)
	assert.Equal(t, task.Executing, cur.Core().State())

	h.runUntil(time.Second, func() bool { return d.Is(state.Disconnected) }, "disconnected")
	assert.Equal(t, state.Intentional, d.LastDisconnectIntent())
	h.run(3 * time.Second)
	assert.False(t, d.IsAny(state.ReconnectingShortTerm, state.ReconnectingLongTerm))
	assert.Equal(t, 1, h.connectCalls(addrA))
	assert.Empty(t, h.fails())
}

func TestExplicitDisconnect(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.connected(addrA, nil, nil)

	require.True(t, d.Disconnect())
	assert.False(t, d.Disconnect(), "a second disconnect is already queued")
	h.runUntil(time.Second, func() bool { return d.Is(state.Disconnected) }, "disconnected")

	assert.False(t, d.IsAny(state.Connected, state.Initialized, state.BleConnected))
	assert.True(t, exactlyOneSimpleState(d))
	assert.Equal(t, state.Intentional, d.LastDisconnectIntent())

	h.run(3 * time.Second)
	assert.Equal(t, 1, h.connectCalls(addrA))
	assert.Empty(t, h.fails())
}

func TestExplicitDisconnectStopsShortTermReconnect(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.connected(addrA, nil, nil)

	dropLink(h, addrA)
	h.runUntil(time.Second, func() bool { return d.Is(state.ReconnectingShortTerm) }, "short-term reconnect")

	assert.True(t, d.Disconnect())
	assert.True(t, d.Is(state.Disconnected))
	assert.False(t, d.IsAny(state.ReconnectingShortTerm, state.Connected))
	assert.Equal(t, state.Intentional, d.LastDisconnectIntent())

	fails := h.fails()
	require.Len(t, fails, 1)
	assert.Equal(t, StatusExplicitDisconnect, fails[0].Fail.Status)
	assert.False(t, fails[0].IsRetrying)

	h.run(5 * time.Second)
	assert.Equal(t, 1, h.connectCalls(addrA))
	assert.False(t, d.IsReconnecting(ShortTerm))
	assert.False(t, d.IsReconnecting(LongTerm))
}

func TestShortTermExhaustionFallsThroughToLongTerm(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Reconnect.ShortTerm.Timeout = config.Duration(30 * time.Second)
	p := peer(addrA)
	p.Connects = []sim.Outcome{sim.Succeed(50 * time.Millisecond), sim.Hang(), sim.Hang(), sim.Hang()}
	h := newHarness(t, cfg, p)
	d := h.connected(addrA, nil, nil)
	d.PushReconnectFilter(LimitedReconnectFilter{ReconnectFilter: NewDefaultReconnectFilter(cfg), ShortTermAttempts: 3})

	dropLink(h, addrA)
	h.runUntil(time.Second, func() bool { return d.Is(state.ReconnectingShortTerm) }, "short-term reconnect")
	h.runUntil(20*time.Second, func() bool { return d.Is(state.ReconnectingLongTerm) }, "long-term reconnect")

	assert.Equal(t, 4, h.connectCalls(addrA))
	assert.False(t, d.Is(state.ReconnectingShortTerm))
	assert.True(t, d.Is(state.Disconnected))
	assert.True(t, d.IsReconnecting(LongTerm))

	fails := h.fails()
	require.Len(t, fails, 1)
	assert.Equal(t, StatusRogueDisconnect, fails[0].Fail.Status)
	assert.False(t, fails[0].IsRetrying)

	h.runUntil(10*time.Second, func() bool { return d.Is(state.Initialized) }, "long-term reconnect success")
	assert.False(t, d.Is(state.ReconnectingLongTerm))
	assert.Equal(t, 2, h.successes())
}

func TestTurnOffCancelsTasksAndDisconnects(t *testing.T) {
	p := peer(addrA)
	p.OpDelay = 5 * time.Second
	h := newHarness(t, nil, p)
	d := h.connected(addrA, nil, nil)

	var read, write []ReadWriteEvent
	d.Read(charBattery, func(ev ReadWriteEvent) { read = append(read, ev) })
	d.Write(charName, []byte("x"), func(ev ReadWriteEvent) { write = append(write, ev) })
	h.tick()
	require.True(t, h.m.Tasks().IsCurrent(task.KindRead, d))

	require.True(t, h.m.TurnOff())
	require.Len(t, read, 1)
	assert.Equal(t, RWCancelled, read[0].Status)
	require.Len(t, write, 1)
	assert.Equal(t, RWBleOff, write[0].Status)
	assert.True(t, h.m.Is(state.RadioTurningOff))
	assert.True(t, d.Is(state.Disconnected))

	h.runUntil(time.Second, func() bool { return h.m.Is(state.RadioOff) }, "radio off")
	assert.Empty(t, h.fails())
	assert.Equal(t, radio.Disconnected, h.radio.ConnectionState(addrA))

	require.True(t, h.m.TurnOn())
	h.runUntil(time.Second, func() bool { return h.m.IsOn() }, "radio on")
	assert.True(t, d.Is(state.Disconnected))
}

func TestStateEventsKeepOneSimpleState(t *testing.T) {
	h := newHarness(t, nil, peer(addrA))
	d := h.m.OnDiscovered(addrA, "", -60)

	var bad []string
	d.PushStateListener(func(ev StateEvent) {
		if !exactlyOneSimpleState(d) {
			bad = append(bad, state.FormatDevice(ev.New))
		}
	})

	require.True(t, d.Connect(nil, nil, nil).IsNull())
	h.runUntil(2*time.Second, func() bool { return d.Is(state.Initialized) }, "initialized")
	dropLink(h, addrA)
	h.runUntil(3*time.Second, func() bool { return d.Is(state.ReconnectingShortTerm) }, "short-term reconnect")
	h.runUntil(3*time.Second, func() bool { return d.Is(state.Initialized) }, "reconnected")
	d.Disconnect()
	h.runUntil(time.Second, func() bool { return d.Is(state.Disconnected) }, "disconnected")

	assert.Empty(t, bad)
}

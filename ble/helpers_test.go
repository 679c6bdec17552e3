package ble

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/blelink/config"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/radio/sim"
	"github.com/davidroman0O/blelink/state"
)

// TestLogger writes through t.Logf
type TestLogger struct {
	t *testing.T
}

func (l *TestLogger) Debug(format string, args ...interface{}) {
	l.t.Logf("[DEBUG] "+format, args...)
}

func (l *TestLogger) Info(format string, args ...interface{}) {
	l.t.Logf("[INFO] "+format, args...)
}

func (l *TestLogger) Warn(format string, args ...interface{}) {
	l.t.Logf("[WARN] "+format, args...)
}

func (l *TestLogger) Error(format string, args ...interface{}) {
	l.t.Logf("[ERROR] "+format, args...)
}

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"

	step = 10 * time.Millisecond
)

var (
	charBattery = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
	charName    = uuid.MustParse("00002a00-0000-1000-8000-00805f9b34fb")
)

// harness drives a manager over a simulated radio with a fake clock
type harness struct {
	t     *testing.T
	radio *sim.Radio
	m     *Manager
	now   time.Time

	connects []ConnectEvent
	uhOhs    []UhOhEvent
	events   []Event
}

func defaultTestConfig() *config.Config {
	cfg := config.Default()
	cfg.TaskTimeouts = map[string]config.Duration{
		"connect": config.Duration(time.Second),
	}
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, peers ...*sim.Peer) *harness {
	t.Helper()
	if cfg == nil {
		cfg = defaultTestConfig()
	}
	h := &harness{
		t:     t,
		radio: sim.New(peers...),
		now:   time.Unix(1_700_000_000, 0),
	}
	m, err := NewManager(cfg, h.radio,
		WithLogger(&TestLogger{t: t}),
		WithClock(func() time.Time { return h.now }),
		WithConnectListener(func(ev ConnectEvent) { h.connects = append(h.connects, ev) }),
		WithUhOhListener(func(ev UhOhEvent) { h.uhOhs = append(h.uhOhs, ev) }),
	)
	require.NoError(t, err)
	h.m = m
	m.Subscribe(func(ev Event) { h.events = append(h.events, ev) })
	h.tick()
	return h
}

func peer(addr string) *sim.Peer {
	return &sim.Peer{
		Address:       addr,
		Name:          "sensor",
		RSSI:          -60,
		ConnectDelay:  50 * time.Millisecond,
		DiscoverDelay: 20 * time.Millisecond,
		OpDelay:       20 * time.Millisecond,
	}
}

func (h *harness) tick() {
	h.now = h.now.Add(step)
	h.m.Update(step, h.now)
}

func (h *harness) run(d time.Duration) {
	end := h.now.Add(d)
	for h.now.Before(end) {
		h.tick()
	}
}

// runUntil ticks until cond holds, failing the test after limit
func (h *harness) runUntil(limit time.Duration, cond func() bool, msg string) {
	h.t.Helper()
	end := h.now.Add(limit)
	for !cond() {
		if !h.now.Before(end) {
			require.FailNow(h.t, fmt.Sprintf("timed out waiting for %s", msg))
		}
		h.tick()
	}
}

func (h *harness) connectCalls(addr string) int {
	return h.radio.CountCalls("connect " + addr)
}

// connected registers addr, connects it and waits for INITIALIZED
func (h *harness) connected(addr string, auth, init Txn) *Device {
	h.t.Helper()
	d := h.m.OnDiscovered(addr, "sensor", -60)
	ev := d.Connect(auth, init, nil)
	require.True(h.t, ev.IsNull(), "connect early-out %s", ev.Status)
	h.runUntil(2*time.Second, func() bool { return d.Is(state.Initialized) }, "initialized")
	return d
}

func (h *harness) fails() []ConnectEvent {
	var out []ConnectEvent
	for _, ev := range h.connects {
		if !ev.Success {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) successes() int {
	n := 0
	for _, ev := range h.connects {
		if ev.Success {
			n++
		}
	}
	return n
}

// exactlyOneSimpleState checks that one of DISCONNECTED, CONNECTING, CONNECTED is set
func exactlyOneSimpleState(d *Device) bool {
	n := 0
	for _, s := range []state.DeviceState{state.Disconnected, state.Connecting, state.Connected} {
		if d.Is(s) {
			n++
		}
	}
	return n == 1
}

func dropLink(h *harness, addr string) {
	h.radio.DropConnection(addr, radio.LinkLoss, 0)
}

// Package ble is the connection and task orchestration core. A Manager owns
// one radio, the serialized task queue and every known Device; all of it is
// driven from a single update loop.
package ble

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidroman0O/blelink/config"
	blerrors "github.com/davidroman0O/blelink/errors"
	"github.com/davidroman0O/blelink/logger"
	"github.com/davidroman0O/blelink/persist"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/state"
	"github.com/davidroman0O/blelink/task"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger shared by the manager, its devices and tasks
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithPersistence sets where last-disconnect records are kept
func WithPersistence(s *persist.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithReconnectFilter sets the filter used by devices without their own
func WithReconnectFilter(f ReconnectFilter) Option {
	return func(m *Manager) { m.defaultFilter = f }
}

// WithConnectListener sets the listener that hears every device's connect outcomes
func WithConnectListener(l ConnectListener) Option {
	return func(m *Manager) { m.connectListener = l }
}

// WithStateListener sets the listener for devices without their own
func WithStateListener(l StateListener) Option {
	return func(m *Manager) { m.stateListener = l }
}

// WithNotificationListener sets the listener for devices without their own
func WithNotificationListener(l NotificationListener) Option {
	return func(m *Manager) { m.notificationListener = l }
}

// WithUhOhListener sets the listener for uh-ohs
func WithUhOhListener(l UhOhListener) Option {
	return func(m *Manager) { m.uhOhListener = l }
}

// WithTaskListener hears every task state change, mostly for debugging
func WithTaskListener(fn func(task.Task, task.State)) Option {
	return func(m *Manager) { m.taskListener = fn }
}

// WithClock replaces time.Now for Run
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// RadioStateEvent reports a change of the manager's radio state
type RadioStateEvent struct {
	Old        state.Mask
	New        state.Mask
	IntentMask state.Mask
}

// EventType implements Event
func (e RadioStateEvent) EventType() string { return "radio_state" }

// Address implements Event
func (e RadioStateEvent) Address() string { return "" }

// DiscoveryEvent reports a device seen for the first time
type DiscoveryEvent struct {
	Device *Device
}

// EventType implements Event
func (e DiscoveryEvent) EventType() string { return "discovered" }

// Address implements Event
func (e DiscoveryEvent) Address() string { return addressOf(e.Device) }

// Manager is the root of the core. Methods other than Post, Subscribe and
// Run must be called from the update loop.
type Manager struct {
	cfg   *config.Config
	radio radio.Radio
	log   logger.Logger
	store *persist.Store

	tasks   *task.Manager
	tracker *state.ManagerTracker

	devices   map[string]*Device
	order     []string
	secondary map[string]*Device

	mu    sync.Mutex
	posts []func()
	wake  chan struct{}

	now   time.Time
	clock func() time.Time

	connectListener      ConnectListener
	stateListener        StateListener
	notificationListener NotificationListener
	defaultFilter        ReconnectFilter
	uhOhListener         UhOhListener
	taskListener         func(task.Task, task.State)

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSub     int

	uhOhLimits map[UhOh]*rate.Limiter
}

// NewManager builds a manager over r and starts receiving its callbacks
func NewManager(cfg *config.Config, r radio.Radio, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, blerrors.WithOp(err, "ble.NewManager")
	}
	if r == nil {
		return nil, blerrors.New(blerrors.ErrRadioUnavailable, "no radio")
	}

	m := &Manager{
		cfg:         cfg,
		radio:       r,
		devices:     map[string]*Device{},
		secondary:   map[string]*Device{},
		wake:        make(chan struct{}, 1),
		clock:       time.Now,
		subscribers: map[int]func(Event){},
		uhOhLimits:  map[UhOh]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.NewDefaultLogger()
	}
	if m.defaultFilter == nil {
		m.defaultFilter = NewDefaultReconnectFilter(cfg)
	}
	if m.store == nil {
		if cfg.Persistence.Path != "" {
			s, err := persist.Open(cfg.Persistence.Path)
			if err != nil {
				return nil, blerrors.Wrap(err, blerrors.ErrPersistence, "open last-disconnect store")
			}
			m.store = s
		} else {
			m.store = persist.NewMemory()
		}
	}
	m.now = m.clock()

	m.tasks = task.NewManager(
		logger.WithFields(m.log, map[string]interface{}{"component": "tasks"}),
		task.WithDefaultTimeout(cfg.DefaultTaskTimeout.D()),
		task.WithStateListener(m.onTaskState),
		task.WithAssertHandler(func(msg string) { m.uhOh(UhOhAssertionFailed, msg) }),
	)
	m.tasks.SetNow(m.now)

	m.tracker = state.NewManagerTracker(m.onStateChange, state.WithLogger(m.log), state.WithClock(m.Now))
	initial := state.RadioOff
	if r.IsOn() {
		initial = state.RadioOn
	}
	m.tracker.SetNoCallback(state.On(initial))

	if err := r.Start(nativeCallbacks{m: m}); err != nil {
		return nil, blerrors.Wrap(err, blerrors.ErrRadioUnavailable, "start radio")
	}
	m.log.Info("manager started, radio %s", initial)
	return m, nil
}

// OwnerName implements task.Owner
func (m *Manager) OwnerName() string { return "manager" }

// Config returns the configuration the manager runs with
func (m *Manager) Config() *config.Config { return m.cfg }

// Tasks exposes the task manager
func (m *Manager) Tasks() *task.Manager { return m.tasks }

// Store returns the last-disconnect store
func (m *Manager) Store() *persist.Store { return m.store }

// Radio returns the native stack
func (m *Manager) Radio() radio.Radio { return m.radio }

// Now is the time of the current update
func (m *Manager) Now() time.Time { return m.now }

// IsOn reports whether the radio is fully on
func (m *Manager) IsOn() bool { return m.tracker.Is(state.RadioOn) }

// Is reports whether the manager is in s
func (m *Manager) Is(s state.ManagerState) bool { return m.tracker.Is(s) }

// State returns the manager state set
func (m *Manager) State() state.Mask { return m.tracker.Mask() }

// Run drives Update at the configured rate until ctx is done. A Post wakes
// the loop early.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.UpdateRate.D())
	defer ticker.Stop()

	last := m.clock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.wake:
		}
		now := m.clock()
		m.Update(now.Sub(last), now)
		last = now
	}
}

// Update runs one tick of the loop: native callbacks are delivered first,
// then queued calls, then the task queue, then every device's timers.
func (m *Manager) Update(step time.Duration, now time.Time) {
	m.now = now
	m.tasks.SetNow(now)

	if t, ok := m.radio.(radio.Ticker); ok {
		t.Tick(now)
	}
	m.drainPosts()

	m.tasks.Update(step, now)

	for _, addr := range append([]string(nil), m.order...) {
		if d, ok := m.devices[addr]; ok {
			d.update(step)
		}
	}
	m.purgeSecondary()
}

// Post queues fn to run on the update loop. It is safe to call from any goroutine.
func (m *Manager) Post(fn func()) {
	m.mu.Lock()
	m.posts = append(m.posts, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainPosts() {
	m.mu.Lock()
	posts := m.posts
	m.posts = nil
	m.mu.Unlock()

	for _, fn := range posts {
		m.safely(fn)
	}
}

// Subscribe registers fn for every event the manager emits. fn runs on the
// update loop and must not block. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		m.safely(func() { fn(ev) })
	}
}

// safely runs a user callback, turning a panic into an uh-oh
func (m *Manager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.uhOh(UhOhRandomException, fmt.Sprintf("callback panicked: %v", r))
		}
	}()
	fn()
}

func (m *Manager) onTaskState(t task.Task, s task.State) {
	if l := m.taskListener; l != nil {
		m.safely(func() { l(t, s) })
	}
}

func (m *Manager) onStateChange(c state.Change) {
	m.log.Info("radio %s -> %s", state.FormatManager(c.Old), state.FormatManager(c.New))
	m.publish(RadioStateEvent{Old: c.Old, New: c.New, IntentMask: c.IntentMask})
}

func (m *Manager) setRadioState(intent state.Intent, s state.ManagerState) {
	m.tracker.Update(intent, radio.StatusNotApplicable, state.On(s))
}

// syncRadioState settles the power state on what the radio reports
func (m *Manager) syncRadioState() {
	s := state.RadioOff
	if m.radio.IsOn() {
		s = state.RadioOn
	}
	m.setRadioState(state.Unintentional, s)
}

// TurnOff queues a radio shutdown. Every task that needs the radio is
// cancelled and every device is reported disconnected.
func (m *Manager) TurnOff() bool {
	if m.IsAny(state.RadioOff, state.RadioTurningOff) || m.tasks.IsCurrentOrInQueue(task.KindTurnBleOff, m) {
		return false
	}
	m.tasks.ClearQueueOf(task.KindTurnBleOn, m, -1)
	m.tasks.Add(newTurnBleOffTask(m))
	return true
}

// TurnOn queues a radio power-up
func (m *Manager) TurnOn() bool {
	if m.IsAny(state.RadioOn, state.RadioTurningOn) || m.tasks.IsCurrentOrInQueue(task.KindTurnBleOn, m) {
		return false
	}
	m.tasks.ClearQueueOf(task.KindTurnBleOff, m, -1)
	m.tasks.Add(newTurnBleOnTask(m))
	return true
}

// Reset power-cycles the radio
func (m *Manager) Reset() bool {
	if m.tasks.IsCurrentOrInQueue(task.KindCrashResolver, m) {
		return false
	}
	m.tasks.Add(newCrashResolverTask(m))
	return true
}

// IsAny reports whether the manager is in any of states
func (m *Manager) IsAny(states ...state.ManagerState) bool { return m.tracker.IsAny(states...) }

func (m *Manager) onBleTurningOff() {
	m.tasks.ClearQueueOf(task.KindRequiresBleOn, nil, -1)
	for _, addr := range append([]string(nil), m.order...) {
		if d, ok := m.devices[addr]; ok {
			d.cm.onBleTurningOff()
		}
	}
}

// OnDiscovered registers a device seen advertising, or refreshes a known one
func (m *Manager) OnDiscovered(addr, name string, rssi int) *Device {
	addr = normalizeAddress(addr)
	if d, ok := m.devices[addr]; ok {
		d.onRediscovered(name, rssi)
		return d
	}
	if d, ok := m.secondary[addr]; ok {
		delete(m.secondary, addr)
		m.register(d)
		d.onRediscovered(name, rssi)
		return d
	}

	d := newDevice(m, addr, name, rssi, OriginScanned)
	m.register(d)
	m.log.Info("discovered %s rssi %d", d, rssi)
	m.publish(DiscoveryEvent{Device: d})
	return d
}

// NewDevice registers a device by address without having seen it advertise
func (m *Manager) NewDevice(addr string) (*Device, error) {
	if _, err := net.ParseMAC(addr); err != nil {
		return nil, blerrors.Wrap(err, blerrors.ErrInvalidInput, "invalid device address")
	}
	addr = normalizeAddress(addr)
	if d, ok := m.devices[addr]; ok {
		return d, nil
	}
	if d, ok := m.secondary[addr]; ok {
		delete(m.secondary, addr)
		m.register(d)
		return d, nil
	}
	d := newDevice(m, addr, "", 0, OriginExplicit)
	m.register(d)
	m.publish(DiscoveryEvent{Device: d})
	return d, nil
}

func (m *Manager) onDiscoveredFromRogueAutoConnect(addr string) *Device {
	addr = normalizeAddress(addr)
	m.log.Warn("%s connected without being discovered", addr)
	d := newDevice(m, addr, "", 0, OriginExplicit)
	m.register(d)
	m.publish(DiscoveryEvent{Device: d})
	return d
}

func (m *Manager) register(d *Device) {
	m.devices[d.addr] = d
	m.order = append(m.order, d.addr)
}

// Device returns the registered device at addr
func (m *Manager) Device(addr string) (*Device, bool) {
	d, ok := m.devices[normalizeAddress(addr)]
	return d, ok
}

// MustDevice is Device returning a coded error for unknown addresses
func (m *Manager) MustDevice(addr string) (*Device, error) {
	d, ok := m.Device(addr)
	if !ok {
		return nil, blerrors.WithAddress(blerrors.New(blerrors.ErrDeviceNotFound, "device not registered"), addr)
	}
	return d, nil
}

// Devices returns the registered devices in registration order
func (m *Manager) Devices() []*Device {
	out := make([]*Device, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, m.devices[addr])
	}
	return out
}

// lookup also finds undiscovered devices still referenced by tasks
func (m *Manager) lookup(addr string) (*Device, bool) {
	addr = normalizeAddress(addr)
	if d, ok := m.devices[addr]; ok {
		return d, true
	}
	d, ok := m.secondary[addr]
	return d, ok
}

func (m *Manager) undiscover(d *Device) bool {
	if _, ok := m.devices[d.addr]; !ok {
		return false
	}
	if d.IsAny(state.BleConnected, state.BleConnecting, state.ConnectingOverall) {
		d.Disconnect()
	}
	d.cm.shortTerm.Stop()
	d.cm.longTerm.Stop()
	d.polls.clear()
	m.tasks.ClearQueueOf(task.KindAll&^task.KindDisconnect, d, -1)
	d.tracker.Update(state.Intentional, radio.StatusNotApplicable,
		state.Off(state.Discovered),
		state.On(state.Undiscovered),
		state.Off(state.Advertising),
		state.Off(state.ReconnectingLongTerm),
	)

	delete(m.devices, d.addr)
	for i, addr := range m.order {
		if addr == d.addr {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.secondary[d.addr] = d
	m.log.Info("undiscovered %s", d)
	return true
}

// purgeSecondary forgets undiscovered devices no task refers to anymore
func (m *Manager) purgeSecondary() {
	for addr, d := range m.secondary {
		if !m.tasks.IsCurrentOrInQueue(task.KindAll, d) {
			delete(m.secondary, addr)
		}
	}
}

// Close stops the radio
func (m *Manager) Close() error {
	if err := m.radio.Close(); err != nil {
		return blerrors.Wrap(err, blerrors.ErrRadioIO, "close radio")
	}
	return nil
}

// Package sim is a deterministic in-memory radio. Native operations resolve
// after scripted delays measured against the update loop's clock, so a test
// that drives the loop with a fake clock sees the exact same callback timing
// on every run.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidroman0O/blelink/radio"
)

// Outcome scripts the result of one native connect attempt
type Outcome struct {
	Delay  time.Duration
	Status int
	// Hang leaves the attempt unanswered, so the caller times out
	Hang bool
}

// Succeed is a successful outcome after d
func Succeed(d time.Duration) Outcome { return Outcome{Delay: d, Status: radio.GattSuccess} }

// Fail is a failed outcome with status after d
func Fail(d time.Duration, status int) Outcome { return Outcome{Delay: d, Status: status} }

// Hang is an attempt that never answers
func Hang() Outcome { return Outcome{Hang: true} }

// Peer describes a simulated remote device
type Peer struct {
	Address string
	Name    string
	RSSI    int
	MTU     int

	// Connects is consumed one entry per connect attempt; once empty,
	// attempts succeed after ConnectDelay.
	Connects     []Outcome
	ConnectDelay time.Duration

	DiscoverDelay  time.Duration
	DiscoverStatus int

	OpDelay time.Duration
	Values  map[uuid.UUID][]byte
	// ReadStatus overrides the status of reads of a characteristic
	ReadStatus map[uuid.UUID]int

	Bonded    bool
	BondDelay time.Duration
	BondFails bool

	state     radio.ConnState
	bond      radio.BondState
	gen       int
	descs     map[descKey][]byte
	notifying map[uuid.UUID]bool
	priority  radio.ConnectionPriority
}

type descKey struct {
	char, desc uuid.UUID
}

type event struct {
	due time.Time
	seq int
	gen int
	// addr and gen let a later disconnect drop stale callbacks of a peer
	addr string
	fire func(cb radio.Callbacks)
}

// Radio is the simulated native stack
type Radio struct {
	mu     sync.Mutex
	cb     radio.Callbacks
	peers  map[string]*Peer
	events []event
	seq    int
	now    time.Time
	on     bool
	calls  []string

	// RadioDelay is how long TurnOff/TurnOn/Reset take to report
	RadioDelay time.Duration
	// RefuseConnect makes every Connect return false
	RefuseConnect bool
}

var _ radio.Radio = (*Radio)(nil)
var _ radio.Ticker = (*Radio)(nil)

// New creates a powered-on radio with the given peers
func New(peers ...*Peer) *Radio {
	r := &Radio{peers: map[string]*Peer{}, on: true}
	for _, p := range peers {
		r.AddPeer(p)
	}
	return r
}

// AddPeer makes a device reachable
func (r *Radio) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.MTU == 0 {
		p.MTU = 23
	}
	if p.Values == nil {
		p.Values = map[uuid.UUID][]byte{}
	}
	if p.Bonded {
		p.bond = radio.BondBonded
	}
	p.descs = map[descKey][]byte{}
	p.notifying = map[uuid.UUID]bool{}
	r.peers[p.Address] = p
}

// Peer returns the simulated device at addr
func (r *Radio) Peer(addr string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	return p, ok
}

// Calls returns the native calls issued so far, e.g. "connect AA:BB"
func (r *Radio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// CountCalls returns how many recorded calls equal call
func (r *Radio) CountCalls(call string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Start implements radio.Radio
func (r *Radio) Start(cb radio.Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("sim radio: nil callbacks")
	}
	r.cb = cb
	return nil
}

// Close implements radio.Radio
func (r *Radio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	return nil
}

// Tick delivers every callback due at or before now, in schedule order
func (r *Radio) Tick(now time.Time) {
	r.mu.Lock()
	r.now = now
	var due []event
	rest := r.events[:0]
	for _, e := range r.events {
		if !e.due.After(now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	r.events = rest
	cb := r.cb
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	for _, e := range due {
		if cb == nil {
			continue
		}
		if e.addr != "" && !r.live(e.addr, e.gen) {
			continue
		}
		e.fire(cb)
	}
}

func (r *Radio) live(addr string, gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	return ok && p.gen == gen
}

// schedule must be called with mu held
func (r *Radio) schedule(d time.Duration, fire func(cb radio.Callbacks)) {
	r.scheduleFor("", 0, d, fire)
}

func (r *Radio) scheduleFor(addr string, gen int, d time.Duration, fire func(cb radio.Callbacks)) {
	r.seq++
	r.events = append(r.events, event{due: r.now.Add(d), seq: r.seq, addr: addr, gen: gen, fire: fire})
}

func (r *Radio) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// IsOn implements radio.Radio
func (r *Radio) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// TurnOff implements radio.Radio. Live links drop before the radio reports off.
func (r *Radio) TurnOff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("turn_off")
	if !r.on {
		return false
	}
	r.dropAllLocked()
	r.on = false
	r.schedule(r.RadioDelay, func(cb radio.Callbacks) { cb.OnRadioStateChanged(false) })
	return true
}

// TurnOn implements radio.Radio
func (r *Radio) TurnOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("turn_on")
	if r.on {
		return false
	}
	r.on = true
	r.schedule(r.RadioDelay, func(cb radio.Callbacks) { cb.OnRadioStateChanged(true) })
	return true
}

// Reset implements radio.Radio: off then on again
func (r *Radio) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("reset")
	r.dropAllLocked()
	r.on = true
	r.schedule(r.RadioDelay, func(cb radio.Callbacks) { cb.OnRadioStateChanged(false) })
	r.schedule(2*r.RadioDelay, func(cb radio.Callbacks) { cb.OnRadioStateChanged(true) })
	return true
}

func (r *Radio) dropAllLocked() {
	addrs := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		p := r.peers[addr]
		if p.state == radio.Disconnected {
			continue
		}
		p.state = radio.Disconnected
		p.gen++
		r.scheduleFor(addr, p.gen, 0, func(cb radio.Callbacks) {
			cb.OnConnectionStateChange(addr, radio.ConnTerminateLocalHost, radio.Disconnected)
		})
	}
}

// Connect implements radio.Radio
func (r *Radio) Connect(addr string, autoConnect bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("connect %s", addr)
	if !r.on || r.RefuseConnect {
		return false
	}
	p, ok := r.peers[addr]
	if !ok {
		// unknown peers never answer
		return true
	}
	if p.state == radio.Connected {
		return true
	}

	out := Succeed(p.ConnectDelay)
	if len(p.Connects) > 0 {
		out = p.Connects[0]
		p.Connects = p.Connects[1:]
	}
	p.state = radio.Connecting
	p.gen++
	if out.Hang {
		return true
	}
	r.scheduleFor(addr, p.gen, out.Delay, func(cb radio.Callbacks) {
		r.mu.Lock()
		if out.Status == radio.GattSuccess {
			p.state = radio.Connected
		} else {
			p.state = radio.Disconnected
		}
		state := p.state
		r.mu.Unlock()
		cb.OnConnectionStateChange(addr, out.Status, state)
	})
	return true
}

// Disconnect implements radio.Radio
func (r *Radio) Disconnect(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("disconnect %s", addr)
	p, ok := r.peers[addr]
	if !ok || p.state == radio.Disconnected {
		return false
	}
	p.state = radio.Disconnecting
	p.gen++
	r.scheduleFor(addr, p.gen, 0, func(cb radio.Callbacks) {
		r.mu.Lock()
		p.state = radio.Disconnected
		r.mu.Unlock()
		cb.OnConnectionStateChange(addr, radio.ConnTerminateLocalHost, radio.Disconnected)
	})
	return true
}

// DropConnection makes the peer lose its link with status after d
func (r *Radio) DropConnection(addr string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	if !ok {
		return
	}
	gen := p.gen
	r.scheduleFor(addr, gen, d, func(cb radio.Callbacks) {
		r.mu.Lock()
		p.state = radio.Disconnected
		p.gen++
		r.mu.Unlock()
		cb.OnConnectionStateChange(addr, status, radio.Disconnected)
	})
}

// ConnectionState implements radio.Radio
func (r *Radio) ConnectionState(addr string) radio.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		return p.state
	}
	return radio.Disconnected
}

// BondState implements radio.Radio
func (r *Radio) BondState(addr string) radio.BondState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		return p.bond
	}
	return radio.BondNone
}

// connectedPeer must be called with mu held
func (r *Radio) connectedPeer(addr string) (*Peer, bool) {
	p, ok := r.peers[addr]
	if !ok || p.state != radio.Connected {
		return nil, false
	}
	return p, true
}

// RefreshGatt implements radio.Radio
func (r *Radio) RefreshGatt(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("refresh_gatt %s", addr)
	_, ok := r.connectedPeer(addr)
	return ok
}

// DiscoverServices implements radio.Radio
func (r *Radio) DiscoverServices(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("discover_services %s", addr)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	status := p.DiscoverStatus
	r.scheduleFor(addr, p.gen, p.DiscoverDelay, func(cb radio.Callbacks) {
		cb.OnServicesDiscovered(addr, status)
	})
	return true
}

// Read implements radio.Radio
func (r *Radio) Read(addr string, char uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("read %s %s", addr, char)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	value := append([]byte(nil), p.Values[char]...)
	status := radio.GattSuccess
	if s, ok := p.ReadStatus[char]; ok {
		status = s
	}
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnCharacteristicRead(addr, char, value, status)
	})
	return true
}

// Write implements radio.Radio
func (r *Radio) Write(addr string, char uuid.UUID, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("write %s %s", addr, char)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	p.Values[char] = append([]byte(nil), data...)
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnCharacteristicWrite(addr, char, radio.GattSuccess)
	})
	return true
}

// ReadRssi implements radio.Radio
func (r *Radio) ReadRssi(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("read_rssi %s", addr)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	rssi := p.RSSI
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnReadRemoteRssi(addr, rssi, radio.GattSuccess)
	})
	return true
}

// RequestMtu implements radio.Radio
func (r *Radio) RequestMtu(addr string, mtu int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("request_mtu %s %d", addr, mtu)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	if mtu > 517 {
		mtu = 517
	}
	p.MTU = mtu
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnMtuChanged(addr, mtu, radio.GattSuccess)
	})
	return true
}

// SetPhy implements radio.Radio
func (r *Radio) SetPhy(addr string, phy radio.Phy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("set_phy %s %s", addr, phy)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnPhyUpdate(addr, phy, radio.GattSuccess)
	})
	return true
}

// ReadDescriptor implements radio.Radio
func (r *Radio) ReadDescriptor(addr string, char, desc uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("read_descriptor %s %s %s", addr, char, desc)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	value := append([]byte(nil), p.descs[descKey{char, desc}]...)
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnDescriptorRead(addr, char, desc, value, radio.GattSuccess)
	})
	return true
}

// WriteDescriptor implements radio.Radio
func (r *Radio) WriteDescriptor(addr string, char, desc uuid.UUID, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("write_descriptor %s %s %s", addr, char, desc)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	p.descs[descKey{char, desc}] = append([]byte(nil), data...)
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		cb.OnDescriptorWrite(addr, char, desc, radio.GattSuccess)
	})
	return true
}

// SetNotify implements radio.Radio. The peer answers with a CCCD write.
func (r *Radio) SetNotify(addr string, char uuid.UUID, enable bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("set_notify %s %s %t", addr, char, enable)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	r.scheduleFor(addr, p.gen, p.OpDelay, func(cb radio.Callbacks) {
		r.mu.Lock()
		if enable {
			p.notifying[char] = true
		} else {
			delete(p.notifying, char)
		}
		r.mu.Unlock()
		cb.OnDescriptorWrite(addr, char, radio.CCCD, radio.GattSuccess)
	})
	return true
}

// RequestConnectionPriority implements radio.Radio
func (r *Radio) RequestConnectionPriority(addr string, prio radio.ConnectionPriority) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("connection_priority %s %s", addr, prio)
	p, ok := r.connectedPeer(addr)
	if !ok {
		return false
	}
	p.priority = prio
	return true
}

// Notify pushes value from char to the host if notifications are enabled,
// and reports whether they were
func (r *Radio) Notify(addr string, char uuid.UUID, value []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.connectedPeer(addr)
	if !ok || !p.notifying[char] {
		return false
	}
	value = append([]byte(nil), value...)
	r.scheduleFor(addr, p.gen, 0, func(cb radio.Callbacks) {
		cb.OnCharacteristicChanged(addr, char, value)
	})
	return true
}

// CreateBond implements radio.Radio
func (r *Radio) CreateBond(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("create_bond %s", addr)
	p, ok := r.peers[addr]
	if !ok || !r.on {
		return false
	}
	if p.bond == radio.BondBonded {
		return false
	}
	p.bond = radio.BondBonding
	fails := p.BondFails
	r.schedule(p.BondDelay, func(cb radio.Callbacks) {
		r.mu.Lock()
		next := radio.BondBonded
		reason := radio.StatusNotApplicable
		if fails {
			next = radio.BondNone
			reason = 9
		}
		p.bond = next
		r.mu.Unlock()
		cb.OnBondStateChanged(addr, radio.BondBonding, next, reason)
	})
	return true
}

// RemoveBond implements radio.Radio
func (r *Radio) RemoveBond(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove_bond %s", addr)
	p, ok := r.peers[addr]
	if !ok || p.bond == radio.BondNone {
		return false
	}
	prev := p.bond
	p.bond = radio.BondNone
	r.schedule(0, func(cb radio.Callbacks) {
		cb.OnBondStateChanged(addr, prev, radio.BondNone, radio.StatusNotApplicable)
	})
	return true
}

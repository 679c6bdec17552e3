// Package bluez drives a Linux BlueZ adapter over the system D-Bus.
//
// Every native operation runs as one D-Bus call on its own goroutine and
// reports back through radio.Callbacks. Link and bond state arrive as
// PropertiesChanged signals on the device objects and are cached, so the
// synchronous state queries never block the update loop.
package bluez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/davidroman0O/blelink/config"
	blerrors "github.com/davidroman0O/blelink/errors"
	"github.com/davidroman0O/blelink/logger"
	"github.com/davidroman0O/blelink/radio"
	"github.com/davidroman0O/blelink/retry"
)

// Option configures a Radio
type Option func(*Radio)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(r *Radio) { r.log = l }
}

// WithBusRetry overrides the retry policy used to reach the system bus
func WithBusRetry(cfg retry.Config) Option {
	return func(r *Radio) { r.busRetry = cfg }
}

// Radio is a radio.Radio backed by BlueZ
type Radio struct {
	log      logger.Logger
	limiter  *rate.Limiter
	busRetry retry.Config
	adapter  dbus.ObjectPath

	conn    *dbus.Conn
	cb      radio.Callbacks
	signals chan *dbus.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	on       bool
	conns    map[string]radio.ConnState
	bonds    map[string]radio.BondState
	resolved map[string]bool
	chars    map[string]map[uuid.UUID]dbus.ObjectPath
	descs    map[string]map[descKey]dbus.ObjectPath

	// notifying holds the characteristics with StartNotify in effect
	notifying map[dbus.ObjectPath]bool
}

// New creates a BlueZ radio for the adapter named in cfg
func New(cfg config.RadioConfig, opts ...Option) *Radio {
	limit := rate.Inf
	if cfg.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.OpsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r := &Radio{
		log:      logger.NewDefaultLogger(),
		limiter:  rate.NewLimiter(limit, burst),
		busRetry: retry.DefaultConfig(),
		adapter:  adapterPath(cfg.Adapter),
		conns:    map[string]radio.ConnState{},
		bonds:    map[string]radio.BondState{},
		resolved: map[string]bool{},
		chars:    map[string]map[uuid.UUID]dbus.ObjectPath{},
		descs:    map[string]map[descKey]dbus.ObjectPath{},

		notifying: map[dbus.ObjectPath]bool{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start connects to the system bus and begins delivering callbacks
func (r *Radio) Start(cb radio.Callbacks) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.cb = cb

	err := retry.WithBackoff(r.ctx, func(ctx context.Context) error {
		c, err := dbus.SystemBus()
		if err != nil {
			err = blerrors.Wrap(err, blerrors.ErrRadioIO, "system bus")
			if blerrors.IsTemporary(err) {
				return retry.NewRetryableError(err)
			}
			return err
		}
		r.conn = c
		return nil
	}, r.busRetry)
	if err != nil {
		return blerrors.Wrap(err, blerrors.ErrRadioUnavailable, "connect to system bus")
	}

	var powered bool
	if err := r.adapterObj().Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&powered); err != nil {
		return blerrors.WithOp(blerrors.Wrap(err, blerrors.ErrRadioUnavailable, "read adapter "+string(r.adapter)), "bluez.Start")
	}
	r.mu.Lock()
	r.on = powered
	r.mu.Unlock()

	if err := r.seed(); err != nil {
		r.log.Warn("bluez: could not read existing devices: %v", err)
	}

	r.signals = make(chan *dbus.Signal, 64)
	r.conn.Signal(r.signals)
	if err := r.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return blerrors.Wrap(err, blerrors.ErrRadioIO, "subscribe to PropertiesChanged")
	}
	if err := r.conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return blerrors.Wrap(err, blerrors.ErrRadioIO, "subscribe to InterfacesAdded")
	}

	r.wg.Add(1)
	go r.signalLoop()
	r.log.Info("bluez: started on %s, powered=%v", r.adapter, powered)
	return nil
}

// Close stops signal delivery and waits for in-flight calls
func (r *Radio) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	if r.conn != nil {
		r.conn.RemoveSignal(r.signals)
	}
	r.wg.Wait()
	return nil
}

// seed caches the link and bond state of devices BlueZ already knows
func (r *Radio) seed() error {
	objs, err := r.managedObjects()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		addr, ok := addressFromPath(path)
		if !ok {
			continue
		}
		if c, ok := boolProp(props, "Connected"); ok && c {
			r.conns[addr] = radio.Connected
		}
		if p, ok := boolProp(props, "Paired"); ok && p {
			r.bonds[addr] = radio.BondBonded
		}
		if s, ok := boolProp(props, "ServicesResolved"); ok {
			r.resolved[addr] = s
		}
	}
	return nil
}

func (r *Radio) managedObjects() (managedObjects, error) {
	var objs managedObjects
	if err := r.conn.Object(service, "/").Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, errors.Wrap(err, "GetManagedObjects")
	}
	return objs, nil
}

func (r *Radio) adapterObj() dbus.BusObject {
	return r.conn.Object(service, r.adapter)
}

func (r *Radio) deviceObj(addr string) dbus.BusObject {
	return r.conn.Object(service, devicePath(r.adapter, addr))
}

// async runs fn on its own goroutine after the rate limiter admits it.
// It reports false when the radio has not been started.
func (r *Radio) async(op string, fn func(ctx context.Context)) bool {
	if r.conn == nil || r.ctx == nil || r.ctx.Err() != nil {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.limiter.Wait(r.ctx); err != nil {
			r.log.Debug("bluez: %s dropped: %v", op, err)
			return
		}
		fn(r.ctx)
	}()
	return true
}

// IsOn reports the cached Powered property of the adapter
func (r *Radio) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

func (r *Radio) setPowered(on bool) bool {
	return r.async("set powered", func(ctx context.Context) {
		err := r.adapterObj().CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err
		if err != nil {
			r.log.Error("bluez: set Powered=%v: %v", on, errors.Wrapf(err, "adapter %s", r.adapter))
		}
	})
}

// TurnOff powers the adapter down
func (r *Radio) TurnOff() bool { return r.setPowered(false) }

// TurnOn powers the adapter up
func (r *Radio) TurnOn() bool { return r.setPowered(true) }

// Reset power cycles the adapter
func (r *Radio) Reset() bool {
	return r.async("reset", func(ctx context.Context) {
		obj := r.adapterObj()
		if err := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(false)).Err; err != nil {
			r.log.Error("bluez: reset power off: %v", err)
			return
		}
		if err := obj.CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
			r.log.Error("bluez: reset power on: %v", err)
		}
	})
}

// Connect asks BlueZ for a link. BlueZ has no auto-connect flag on
// Device1.Connect, so autoConnect only shows in the logs.
func (r *Radio) Connect(addr string, autoConnect bool) bool {
	r.setConn(addr, radio.Connecting)
	ok := r.async("connect "+addr, func(ctx context.Context) {
		err := r.deviceObj(addr).CallWithContext(ctx, deviceIface+".Connect", 0).Err
		if err == nil {
			// Connected=true arrives as a signal
			return
		}
		r.log.Debug("bluez: connect %s (auto=%v): %v", addr, autoConnect, err)
		r.setConn(addr, radio.Disconnected)
		r.cb.OnConnectionStateChange(addr, statusFromError(err), radio.Disconnected)
	})
	if !ok {
		r.setConn(addr, radio.Disconnected)
	}
	return ok
}

// Disconnect drops the link
func (r *Radio) Disconnect(addr string) bool {
	if r.ConnectionState(addr) == radio.Disconnected {
		return false
	}
	r.setConn(addr, radio.Disconnecting)
	return r.async("disconnect "+addr, func(ctx context.Context) {
		if err := r.deviceObj(addr).CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
			r.log.Warn("bluez: disconnect %s: %v", addr, err)
		}
	})
}

func (r *Radio) setConn(addr string, s radio.ConnState) {
	r.mu.Lock()
	r.conns[addr] = s
	r.mu.Unlock()
}

// ConnectionState reports the cached link state
func (r *Radio) ConnectionState(addr string) radio.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[addr]
}

// BondState reports the cached pairing state
func (r *Radio) BondState(addr string) radio.BondState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bonds[addr]
}

// RefreshGatt is not exposed by BlueZ
func (r *Radio) RefreshGatt(addr string) bool { return false }

// DiscoverServices waits for ServicesResolved, which BlueZ sets on its own
// after connecting, and then indexes the characteristics.
func (r *Radio) DiscoverServices(addr string) bool {
	r.mu.Lock()
	resolved := r.resolved[addr]
	r.mu.Unlock()
	if !resolved {
		// the ServicesResolved signal completes discovery
		return r.ConnectionState(addr) == radio.Connected
	}
	return r.async("discover "+addr, func(ctx context.Context) {
		r.cb.OnServicesDiscovered(addr, r.indexCharacteristics(addr))
	})
}

func (r *Radio) indexCharacteristics(addr string) int {
	objs, err := r.managedObjects()
	if err != nil {
		r.log.Warn("bluez: index %s: %v", addr, err)
		return radio.GattFailure
	}
	dev := devicePath(r.adapter, addr)
	chars := characteristics(objs, dev)
	descs := descriptors(objs, dev, chars)
	r.mu.Lock()
	r.chars[addr] = chars
	r.descs[addr] = descs
	r.mu.Unlock()
	r.log.Debug("bluez: %s has %d characteristics, %d descriptors", addr, len(chars), len(descs))
	return radio.GattSuccess
}

func (r *Radio) charPath(addr string, char uuid.UUID) (dbus.ObjectPath, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.chars[addr][char]
	return p, ok
}

// Read reads a characteristic
func (r *Radio) Read(addr string, char uuid.UUID) bool {
	path, ok := r.charPath(addr, char)
	if !ok {
		return false
	}
	return r.async("read "+addr, func(ctx context.Context) {
		var value []byte
		err := r.conn.Object(service, path).CallWithContext(ctx, charIface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
		r.cb.OnCharacteristicRead(addr, char, value, statusFromError(err))
	})
}

// Write writes a characteristic with response
func (r *Radio) Write(addr string, char uuid.UUID, data []byte) bool {
	path, ok := r.charPath(addr, char)
	if !ok {
		return false
	}
	buf := append([]byte(nil), data...)
	return r.async("write "+addr, func(ctx context.Context) {
		opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		err := r.conn.Object(service, path).CallWithContext(ctx, charIface+".WriteValue", 0, buf, opts).Err
		r.cb.OnCharacteristicWrite(addr, char, statusFromError(err))
	})
}

func (r *Radio) descPath(addr string, char, desc uuid.UUID) (dbus.ObjectPath, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.descs[addr][descKey{char: char, desc: desc}]
	return p, ok
}

// ReadDescriptor reads a descriptor of char
func (r *Radio) ReadDescriptor(addr string, char, desc uuid.UUID) bool {
	path, ok := r.descPath(addr, char, desc)
	if !ok {
		return false
	}
	return r.async("read descriptor "+addr, func(ctx context.Context) {
		var value []byte
		err := r.conn.Object(service, path).CallWithContext(ctx, descIface+".ReadValue", 0, map[string]dbus.Variant{}).Store(&value)
		r.cb.OnDescriptorRead(addr, char, desc, value, statusFromError(err))
	})
}

// WriteDescriptor writes a descriptor of char
func (r *Radio) WriteDescriptor(addr string, char, desc uuid.UUID, data []byte) bool {
	path, ok := r.descPath(addr, char, desc)
	if !ok {
		return false
	}
	buf := append([]byte(nil), data...)
	return r.async("write descriptor "+addr, func(ctx context.Context) {
		err := r.conn.Object(service, path).CallWithContext(ctx, descIface+".WriteValue", 0, buf, map[string]dbus.Variant{}).Err
		r.cb.OnDescriptorWrite(addr, char, desc, statusFromError(err))
	})
}

// SetNotify starts or stops notifications on char. BlueZ writes the CCCD
// itself, so the outcome is reported as a write to radio.CCCD.
func (r *Radio) SetNotify(addr string, char uuid.UUID, enable bool) bool {
	path, ok := r.charPath(addr, char)
	if !ok {
		return false
	}
	method := charIface + ".StopNotify"
	if enable {
		method = charIface + ".StartNotify"
	}
	return r.async("notify "+addr, func(ctx context.Context) {
		err := r.conn.Object(service, path).CallWithContext(ctx, method, 0).Err
		if err == nil {
			r.mu.Lock()
			if enable {
				r.notifying[path] = true
			} else {
				delete(r.notifying, path)
			}
			r.mu.Unlock()
		}
		r.cb.OnDescriptorWrite(addr, char, radio.CCCD, statusFromError(err))
	})
}

// RequestConnectionPriority is not exposed by BlueZ
func (r *Radio) RequestConnectionPriority(addr string, p radio.ConnectionPriority) bool { return false }

// ReadRssi reads the RSSI property, which BlueZ only fills while scanning
func (r *Radio) ReadRssi(addr string) bool {
	return r.async("rssi "+addr, func(ctx context.Context) {
		var rssi int16
		err := r.deviceObj(addr).CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "RSSI").Store(&rssi)
		r.cb.OnReadRemoteRssi(addr, int(rssi), statusFromError(err))
	})
}

// RequestMtu reports the MTU BlueZ negotiated on its own. The requested size
// is advisory; BlueZ exchanges the MTU during connect.
func (r *Radio) RequestMtu(addr string, mtu int) bool {
	r.mu.Lock()
	var path dbus.ObjectPath
	for _, p := range r.chars[addr] {
		path = p
		break
	}
	r.mu.Unlock()
	if path == "" {
		return false
	}
	return r.async("mtu "+addr, func(ctx context.Context) {
		var got uint16
		err := r.conn.Object(service, path).CallWithContext(ctx, propsIface+".Get", 0, charIface, "MTU").Store(&got)
		r.cb.OnMtuChanged(addr, int(got), statusFromError(err))
	})
}

// SetPhy is not exposed by BlueZ
func (r *Radio) SetPhy(addr string, p radio.Phy) bool { return false }

// CreateBond pairs with the device
func (r *Radio) CreateBond(addr string) bool {
	prev := r.BondState(addr)
	r.mu.Lock()
	r.bonds[addr] = radio.BondBonding
	r.mu.Unlock()
	r.cb.OnBondStateChanged(addr, prev, radio.BondBonding, radio.StatusNotApplicable)
	return r.async("pair "+addr, func(ctx context.Context) {
		err := r.deviceObj(addr).CallWithContext(ctx, deviceIface+".Pair", 0).Err
		if err == nil {
			// Paired=true arrives as a signal
			return
		}
		r.log.Debug("bluez: pair %s: %v", addr, err)
		r.mu.Lock()
		r.bonds[addr] = radio.BondNone
		r.mu.Unlock()
		r.cb.OnBondStateChanged(addr, radio.BondBonding, radio.BondNone, statusFromError(err))
	})
}

// RemoveBond forgets the pairing by removing the device from the adapter
func (r *Radio) RemoveBond(addr string) bool {
	if r.BondState(addr) == radio.BondNone {
		return false
	}
	return r.async("unpair "+addr, func(ctx context.Context) {
		err := r.adapterObj().CallWithContext(ctx, adapterIface+".RemoveDevice", 0, devicePath(r.adapter, addr)).Err
		if err != nil {
			r.log.Warn("bluez: remove %s: %v", addr, err)
			return
		}
		r.mu.Lock()
		r.bonds[addr] = radio.BondNone
		delete(r.chars, addr)
		r.mu.Unlock()
		r.cb.OnBondStateChanged(addr, radio.BondBonded, radio.BondNone, radio.GattSuccess)
	})
}
